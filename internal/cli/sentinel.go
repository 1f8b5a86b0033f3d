package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pglogrepl"
	"github.com/spf13/cobra"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/wal"
)

func newSentinelCommand() *cobra.Command {
	sentinelCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "inspect and drive the pipeline control row",
	}

	setup := &cobra.Command{
		Use:   "setup <startpos> <endpos>",
		Short: "create the sentinel row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			startpos, err := wal.ParseLSN(args[0])
			if err != nil {
				return exit.WithCode(exit.BadArgs, err)
			}
			endpos, err := wal.ParseLSN(args[1])
			if err != nil {
				return exit.WithCode(exit.BadArgs, err)
			}
			return withSentinel(cmd, func(ctx context.Context, s *sentinel.Sentinel) error {
				return s.Setup(ctx, startpos, endpos)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "print the sentinel row",
		Args:  cobra.NoArgs,
		RunE:  runSentinelGet,
	}
	get.Flags().Bool("json", false, "print as JSON")

	set := &cobra.Command{
		Use:   "set",
		Short: "update one sentinel field",
	}
	set.AddCommand(
		newSentinelSetLSN("startpos", "set the replication start position",
			func(ctx context.Context, s *sentinel.Sentinel, lsn pglogrepl.LSN) error {
				return s.UpdateStartPos(ctx, lsn)
			}),
		newSentinelSetEndPos(),
		newSentinelSetApply("apply", "allow applying changes on the target", true),
		newSentinelSetApply("prefetch", "receive and transform only, without applying", false),
	)

	sentinelCmd.AddCommand(setup, get, set)
	return sentinelCmd
}

func withSentinel(cmd *cobra.Command,
	fn func(context.Context, *sentinel.Sentinel) error) error {

	specs, err := pipelineSpecs(cmd, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	conn, sent, err := connectSource(ctx, specs)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if err := fn(ctx, sent); err != nil {
		return exit.WithCode(exit.Source, err)
	}
	return nil
}

func runSentinelGet(cmd *cobra.Command, _ []string) error {
	return withSentinel(cmd, func(ctx context.Context, s *sentinel.Sentinel) error {
		values, err := s.Get(ctx)
		if err != nil {
			return err
		}
		if resolveBool(cmd, "json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"startpos":   values.StartPos.String(),
				"endpos":     values.EndPos.String(),
				"apply":      values.Apply,
				"write_lsn":  values.WriteLSN.String(),
				"flush_lsn":  values.FlushLSN.String(),
				"replay_lsn": values.ReplayLSN.String(),
			})
		}
		fmt.Printf("startpos   %s\n", values.StartPos)
		fmt.Printf("endpos     %s\n", values.EndPos)
		fmt.Printf("apply      %v\n", values.Apply)
		fmt.Printf("write_lsn  %s\n", values.WriteLSN)
		fmt.Printf("flush_lsn  %s\n", values.FlushLSN)
		fmt.Printf("replay_lsn %s\n", values.ReplayLSN)
		return nil
	})
}

func newSentinelSetLSN(name, short string,
	update func(context.Context, *sentinel.Sentinel, pglogrepl.LSN) error) *cobra.Command {

	return &cobra.Command{
		Use:   name + " <lsn>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lsn, err := wal.ParseLSN(args[0])
			if err != nil {
				return exit.WithCode(exit.BadArgs, err)
			}
			return withSentinel(cmd, func(ctx context.Context, s *sentinel.Sentinel) error {
				return update(ctx, s, lsn)
			})
		},
	}
}

// newSentinelSetEndPos also accepts --current, which reads the source's
// current WAL flush position instead of taking an explicit LSN.
func newSentinelSetEndPos() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpos [<lsn>]",
		Short: "set the position where streaming stops",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current := resolveBool(cmd, "current")
			if current == (len(args) == 1) {
				return exit.WithCode(exit.BadArgs,
					errors.New("give either an explicit LSN or --current"))
			}
			return withSentinel(cmd, func(ctx context.Context, s *sentinel.Sentinel) error {
				endpos := wal.InvalidLSN
				if current {
					var err error
					if endpos, err = s.CurrentWALFlushLSN(ctx); err != nil {
						return err
					}
				} else {
					var err error
					if endpos, err = wal.ParseLSN(args[0]); err != nil {
						return exit.WithCode(exit.BadArgs, err)
					}
				}
				if err := s.UpdateEndPos(ctx, endpos); err != nil {
					return err
				}
				fmt.Printf("%s\n", endpos)
				return nil
			})
		},
	}
	cmd.Flags().Bool("current", false, "use the source's current WAL flush position")
	return cmd
}

func newSentinelSetApply(name, short string, apply bool) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSentinel(cmd, func(ctx context.Context, s *sentinel.Sentinel) error {
				return s.UpdateApply(ctx, apply)
			})
		},
	}
}
