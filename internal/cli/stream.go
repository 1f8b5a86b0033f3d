package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/apply"
	"github.com/pgrelay/pgrelay/pkg/follow"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/transform"
)

func newStreamCommand() *cobra.Command {
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "run the change data capture pipeline",
	}

	setup := &cobra.Command{
		Use:   "setup",
		Short: "create the replication slot, the sentinel, and the origin",
		Args:  cobra.NoArgs,
		RunE:  runStreamSetup,
	}
	setup.Flags().String("startpos", "", "start position (defaults to the slot's consistent point)")
	setup.Flags().String("endpos", "", "stop position")
	setup.Flags().Bool("restart", false, "wipe any previous work directory state")
	setup.Flags().Bool("resume", false, "accept previously provisioned state")
	setup.Flags().Bool("not-consistent", false,
		"allow a start position that is not the slot's consistent point")

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "drop the replication slot, the sentinel, and the origin",
		Args:  cobra.NoArgs,
		RunE:  runStreamCleanup,
	}

	transformCmd := &cobra.Command{
		Use:   "transform <json-file> <sql-file>",
		Short: "transform one change file into a SQL replay file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transform.New(nil).TransformFile(args[0], args[1])
		},
	}

	applyCmd := &cobra.Command{
		Use:   "apply <sql-file>",
		Short: "apply one SQL replay file on the target",
		Args:  cobra.ExactArgs(1),
		RunE:  runStreamApply,
	}
	applyCmd.Flags().String("endpos", "", "stop position")

	streamCmd.AddCommand(setup, cleanup, transformCmd, applyCmd,
		newModeCommand("receive", "stream changes from the source into files",
			follow.ModeReceive),
		newModeCommand("prefetch", "stream and transform, without applying",
			follow.ModePrefetch),
		newModeCommand("catchup", "apply prepared replay files on the target",
			follow.ModeCatchup),
		newModeCommand("replay", "stream, transform, and apply live",
			follow.ModeFollow),
	)
	return streamCmd
}

func newModeCommand(name, short string, mode follow.Mode) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			specs, err := pipelineSpecs(cmd, mode.Applies())
			if err != nil {
				return err
			}
			specs.Mode = mode
			if specs.StartPos, err = parseLSNFlag(cmd, "startpos"); err != nil {
				return err
			}
			if specs.EndPos, err = parseLSNFlag(cmd, "endpos"); err != nil {
				return err
			}
			return follow.Run(cmd.Context(), specs)
		},
	}
	cmd.Flags().String("startpos", "", "start position override")
	cmd.Flags().String("endpos", "", "stop position")
	return cmd
}

func runStreamSetup(cmd *cobra.Command, _ []string) error {
	specs, err := pipelineSpecs(cmd, true)
	if err != nil {
		return err
	}
	if specs.StartPos, err = parseLSNFlag(cmd, "startpos"); err != nil {
		return err
	}
	if specs.StartPos != 0 && !resolveBool(cmd, "not-consistent") {
		return exit.WithCode(exit.BadArgs, errors.New(
			"an explicit --startpos skips the slot's consistent point, "+
				"confirm with --not-consistent"))
	}
	if specs.EndPos, err = parseLSNFlag(cmd, "endpos"); err != nil {
		return err
	}
	return follow.Setup(cmd.Context(), follow.SetupOptions{
		Specs:   specs,
		Restart: resolveBool(cmd, "restart"),
		Resume:  resolveBool(cmd, "resume"),
	})
}

func runStreamCleanup(cmd *cobra.Command, _ []string) error {
	specs, err := pipelineSpecs(cmd, true)
	if err != nil {
		return err
	}
	return follow.Cleanup(cmd.Context(), specs)
}

// runStreamApply replays a single prepared file on the target, reusing the
// streaming context recorded in the work directory.
func runStreamApply(cmd *cobra.Command, args []string) error {
	specs, err := pipelineSpecs(cmd, true)
	if err != nil {
		return err
	}
	endpos, err := parseLSNFlag(cmd, "endpos")
	if err != nil {
		return err
	}

	segSize, ok, err := specs.Dir.ReadWalSegSz()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("work directory has no streaming context yet, " +
			"run the receiver first")
	}
	timeline, ok, err := specs.Dir.ReadTimeline()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("work directory has no timeline context yet, " +
			"run the receiver first")
	}
	history, err := specs.Dir.ReadHistory(timeline)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	conn, err := pgx.Connect(ctx, specs.TargetURL)
	if err != nil {
		return exit.WithCode(exit.Target,
			fmt.Errorf("failed to connect to target: %w", err))
	}
	defer conn.Close(context.Background())

	applier, err := apply.New(apply.Config{
		Conn:     conn,
		Origin:   specs.Origin,
		Dir:      specs.Dir,
		Timeline: timeline,
		WalSegSz: segSize,
		History:  history,
		EndPos:   endpos,
		Log:      specs.Log,
	})
	if err != nil {
		return err
	}
	if err := applier.Setup(ctx); err != nil {
		return exit.WithCode(exit.Target, err)
	}
	if err := applier.ApplyFile(ctx, args[0]); err != nil {
		return exit.WithCode(exit.Target, err)
	}
	return nil
}

// connectSource opens a regular source connection and wraps its sentinel.
func connectSource(ctx context.Context, specs follow.Specs) (*pgx.Conn, *sentinel.Sentinel, error) {
	conn, err := pgx.Connect(ctx, specs.SourceURL)
	if err != nil {
		return nil, nil, exit.WithCode(exit.Source,
			fmt.Errorf("failed to connect to source: %w", err))
	}
	return conn, sentinel.New(conn), nil
}
