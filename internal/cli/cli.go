// Package cli builds the pgrelay command tree. Every flag can also be set
// through the environment with the PGRELAY_ prefix, so that connection
// strings stay out of process listings.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/apply"
	"github.com/pgrelay/pgrelay/pkg/follow"
	"github.com/pgrelay/pgrelay/pkg/stream"
	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/pgrelay/pgrelay/pkg/workdir"

	"github.com/jackc/pglogrepl"
)

const version = "0.0.0-dev"

// Main parses args, runs the selected command, and returns the process exit
// code.
func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pgrelay: %s\n", err)
		return exit.Code(err)
	}
	return exit.OK
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pgrelay",
		Short:         "stream logical changes from one Postgres to another",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("source", "", "source database connection string")
	flags.String("target", "", "target database connection string")
	flags.String("dir", "", "work directory (defaults to a per-source tmp directory)")
	flags.String("slot-name", stream.DefaultSlot, "replication slot name")
	flags.String("plugin", string(stream.PluginWal2json), "logical decoding output plugin")
	flags.String("origin", apply.DefaultOrigin, "replication origin name on the target")
	flags.Bool("debug", false, "enable debug logging")

	root.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		initViper()
		initLogging(resolveBool(cmd, "debug"))
	}

	root.AddCommand(newStreamCommand())
	root.AddCommand(newSentinelCommand())
	return root
}

func initViper() {
	viper.Reset()
	viper.SetEnvPrefix("PGRELAY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
}

func initLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// resolveString reads a flag, falling back to the PGRELAY_ environment when
// the flag was not set on the command line.
func resolveString(cmd *cobra.Command, key string) string {
	value, err := cmd.Flags().GetString(key)
	if err != nil {
		return ""
	}
	if f := cmd.Flags().Lookup(key); f != nil && !f.Changed && viper.IsSet(key) {
		return viper.GetString(key)
	}
	return value
}

func resolveBool(cmd *cobra.Command, key string) bool {
	value, err := cmd.Flags().GetBool(key)
	if err != nil {
		return false
	}
	if f := cmd.Flags().Lookup(key); f != nil && !f.Changed && viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return value
}

// pipelineSpecs assembles the shared wiring from the persistent flags.
// needTarget is set by the commands that talk to the target database.
func pipelineSpecs(cmd *cobra.Command, needTarget bool) (follow.Specs, error) {
	source := resolveString(cmd, "source")
	if source == "" {
		return follow.Specs{}, exit.WithCode(exit.BadArgs, fmt.Errorf(
			"a source connection string is required, "+
				"use --source or PGRELAY_SOURCE"))
	}
	target := resolveString(cmd, "target")
	if needTarget && target == "" {
		return follow.Specs{}, exit.WithCode(exit.BadArgs, fmt.Errorf(
			"a target connection string is required, "+
				"use --target or PGRELAY_TARGET"))
	}

	plugin, err := stream.ParsePlugin(resolveString(cmd, "plugin"))
	if err != nil {
		return follow.Specs{}, exit.WithCode(exit.BadArgs, err)
	}
	slot := resolveString(cmd, "slot-name")
	if err := stream.ValidateSlotName(slot); err != nil {
		return follow.Specs{}, exit.WithCode(exit.BadArgs, err)
	}

	dir := workdir.Default(source)
	if root := resolveString(cmd, "dir"); root != "" {
		dir = workdir.New(root)
	}

	return follow.Specs{
		SourceURL: source,
		TargetURL: target,
		Slot:      slot,
		Plugin:    plugin,
		Origin:    resolveString(cmd, "origin"),
		Dir:       dir,
		Log:       slog.Default(),
	}, nil
}

// parseLSNFlag parses a position flag, mapping the empty string to the unset
// position.
func parseLSNFlag(cmd *cobra.Command, key string) (pglogrepl.LSN, error) {
	raw := resolveString(cmd, key)
	lsn, err := wal.ParseLSN(raw)
	if err != nil {
		return wal.InvalidLSN, exit.WithCode(exit.BadArgs, err)
	}
	return lsn, nil
}
