package follow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/apply"
	"github.com/pgrelay/pgrelay/pkg/catalog"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/stream"
	"github.com/pgrelay/pgrelay/pkg/wal"
)

// SetupOptions configures the one-time provisioning of a pipeline.
type SetupOptions struct {
	Specs

	// Restart wipes any existing work directory state.
	Restart bool
	// Resume accepts a previously provisioned pipeline.
	Resume bool
}

// Setup provisions everything a pipeline run needs: the work directory and
// its catalog, the replication slot on the source, the sentinel row, and the
// replication origin on the target.  The slot's consistent point becomes the
// start position unless one was given.
func Setup(ctx context.Context, opts SetupOptions) error {
	opts.defaults()
	log := opts.Log

	if err := opts.Dir.Create(opts.Restart); err != nil {
		return err
	}

	cat, err := catalog.Open(opts.Dir.CatalogPath(), log)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.RegisterRun(uuid.NewString(), "setup", time.Now()); err != nil {
		return err
	}

	replConn, err := stream.Connect(ctx, opts.SourceURL)
	if err != nil {
		return exit.WithCode(exit.Source, err)
	}
	defer replConn.Close(context.Background())

	slotLSN, created, err := stream.CreateSlot(ctx, replConn, opts.Slot, opts.Plugin)
	if err != nil {
		return exit.WithCode(exit.Source, err)
	}
	if created {
		log.Info("created replication slot",
			"slot", opts.Slot, "plugin", string(opts.Plugin), "lsn", slotLSN)
	} else {
		log.Info("reusing replication slot", "slot", opts.Slot, "lsn", slotLSN)
	}

	startpos := opts.StartPos
	if startpos == wal.InvalidLSN {
		startpos = slotLSN
	}

	srcConn, err := pgx.Connect(ctx, opts.SourceURL)
	if err != nil {
		return exit.WithCode(exit.Source,
			fmt.Errorf("failed to connect to source: %w", err))
	}
	defer srcConn.Close(context.Background())

	if err := sentinel.New(srcConn).Setup(ctx, startpos, opts.EndPos); err != nil {
		return exit.WithCode(exit.Source, err)
	}

	targetConn, err := pgx.Connect(ctx, opts.TargetURL)
	if err != nil {
		return exit.WithCode(exit.Target,
			fmt.Errorf("failed to connect to target: %w", err))
	}
	defer targetConn.Close(context.Background())

	if err := apply.CreateOrigin(ctx, targetConn, opts.Origin,
		startpos, opts.Resume); err != nil {
		return exit.WithCode(exit.Target, err)
	}

	log.Info("pipeline is ready",
		"startpos", startpos, "endpos", opts.EndPos, "dir", opts.Dir.Root)
	return nil
}

// Cleanup drops the replication slot, the sentinel, the replication origin,
// and the work directory.  Each piece is removed independently so a partial
// setup can still be cleaned.
func Cleanup(ctx context.Context, specs Specs) error {
	specs.defaults()
	log := specs.Log

	replConn, err := stream.Connect(ctx, specs.SourceURL)
	if err != nil {
		return exit.WithCode(exit.Source, err)
	}
	defer replConn.Close(context.Background())

	if err := stream.DropSlot(ctx, replConn, specs.Slot); err != nil {
		return exit.WithCode(exit.Source, err)
	}
	log.Info("dropped replication slot", "slot", specs.Slot)

	srcConn, err := pgx.Connect(ctx, specs.SourceURL)
	if err != nil {
		return exit.WithCode(exit.Source,
			fmt.Errorf("failed to connect to source: %w", err))
	}
	defer srcConn.Close(context.Background())

	if err := sentinel.New(srcConn).Drop(ctx); err != nil {
		return exit.WithCode(exit.Source, err)
	}

	targetConn, err := pgx.Connect(ctx, specs.TargetURL)
	if err != nil {
		return exit.WithCode(exit.Target,
			fmt.Errorf("failed to connect to target: %w", err))
	}
	defer targetConn.Close(context.Background())

	if err := apply.DropOrigin(ctx, targetConn, specs.Origin); err != nil {
		return exit.WithCode(exit.Target, err)
	}

	if err := specs.Dir.Remove(); err != nil {
		return err
	}
	log.Info("removed work directory", "dir", specs.Dir.Root)
	return nil
}
