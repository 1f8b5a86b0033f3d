// Package follow supervises the three stages of the change data capture
// pipeline: the receiver streaming from the source, the transform worker
// deriving SQL replay files, and the applier replaying them on the target.
// The stages run as goroutines over the shared work directory.
package follow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/apply"
	"github.com/pgrelay/pgrelay/pkg/catalog"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/stream"
	"github.com/pgrelay/pgrelay/pkg/transform"
	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

// Mode selects which pipeline stages run.
type Mode int

const (
	// ModeReceive streams change files only.
	ModeReceive Mode = iota
	// ModePrefetch streams and transforms, with apply gated off.
	ModePrefetch
	// ModeCatchup applies already prepared replay files.
	ModeCatchup
	// ModeFollow runs all three stages live.
	ModeFollow
)

func (m Mode) String() string {
	switch m {
	case ModeReceive:
		return "receive"
	case ModePrefetch:
		return "prefetch"
	case ModeCatchup:
		return "catchup"
	case ModeFollow:
		return "follow"
	}
	return "unknown"
}

func (m Mode) Receives() bool   { return m == ModeReceive || m == ModePrefetch || m == ModeFollow }
func (m Mode) Transforms() bool { return m == ModePrefetch || m == ModeFollow }
func (m Mode) Applies() bool    { return m == ModeCatchup || m == ModeFollow }

const (
	// applyGateInterval is how often the applier polls the sentinel while
	// waiting for apply to be enabled.
	applyGateInterval = 10 * time.Second

	// applyIdleDelay is the pause before re-checking for a new replay file
	// in live mode.
	applyIdleDelay = 1 * time.Second
)

// Specs carries all the wiring of a pipeline run.
type Specs struct {
	SourceURL string
	TargetURL string

	Slot   string
	Plugin stream.Plugin
	Origin string

	Dir workdir.Dir

	StartPos pglogrepl.LSN
	EndPos   pglogrepl.LSN

	Mode Mode

	Log *slog.Logger
}

func (s *Specs) defaults() {
	if s.Slot == "" {
		s.Slot = stream.DefaultSlot
	}
	if s.Plugin == "" {
		s.Plugin = stream.PluginWal2json
	}
	if s.Origin == "" {
		s.Origin = apply.DefaultOrigin
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
}

// Run executes the pipeline in the requested mode until the end position is
// reached or the context is canceled.
func Run(ctx context.Context, specs Specs) error {
	specs.defaults()
	log := specs.Log

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cat, err := catalog.Open(specs.Dir.CatalogPath(), log)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.RegisterRun(uuid.NewString(), specs.Mode.String(), time.Now()); err != nil {
		return err
	}

	var worker *transform.Worker
	if specs.Mode.Transforms() {
		worker = transform.NewWorker(specs.Dir, log)
		worker.Start(ctx)
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 4)

		receiverDone  = make(chan struct{})
		transformDone = make(chan struct{})
	)

	// a transform failure is fatal to the whole pipeline: stop the receiver
	// right away rather than streaming into a dead queue
	if worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-worker.Failed():
				errs <- worker.Wait()
				cancel()
			case <-transformDone:
			case <-ctx.Done():
			}
		}()
	}

	if specs.Mode.Receives() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(receiverDone)
			if err := runReceiver(ctx, specs, cat, worker); err != nil {
				errs <- err
				cancel()
			}
		}()
	} else {
		close(receiverDone)
	}

	// once the receiver has stopped, drain the transform queue so the tail
	// of the stream reaches its replay file before the applier gives up
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(transformDone)
		<-receiverDone
		if worker == nil {
			return
		}
		worker.Stop()
		if err := worker.Wait(); err != nil {
			errs <- err
			cancel()
		}
	}()

	if specs.Mode.Applies() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runApplier(ctx, specs, transformDone); err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// runReceiver streams from the source, reporting progress through the
// sentinel unless running in plain receive mode.
func runReceiver(ctx context.Context, specs Specs, cat *catalog.Catalog,
	worker *transform.Worker) error {

	var (
		sent    *sentinel.Sentinel
		srcConn *pgx.Conn
	)
	if specs.Mode != ModeReceive {
		conn, err := pgx.Connect(ctx, specs.SourceURL)
		if err != nil {
			return exit.WithCode(exit.Source,
				fmt.Errorf("failed to connect to source: %w", err))
		}
		srcConn = conn
		defer srcConn.Close(context.Background())
		sent = sentinel.New(conn)
	}

	var notifier stream.Notifier
	if worker != nil {
		notifier = worker
	}

	receiver, err := stream.NewReceiver(stream.Options{
		SourceURL: specs.SourceURL,
		Slot:      specs.Slot,
		Plugin:    specs.Plugin,
		Dir:       specs.Dir,
		Catalog:   cat,
		Sentinel:  sent,
		Notifier:  notifier,
		StartPos:  specs.StartPos,
		EndPos:    specs.EndPos,
		Log:       specs.Log,
	})
	if err != nil {
		return err
	}

	if err := receiver.Run(ctx); err != nil {
		return tagSide(exit.Source, err)
	}
	return nil
}

// runApplier waits for the apply gate, then replays prepared files until the
// end position is reached or, in catch-up mode, until no further file
// exists.
func runApplier(ctx context.Context, specs Specs, upstreamDone <-chan struct{}) error {
	log := specs.Log

	srcConn, err := pgx.Connect(ctx, specs.SourceURL)
	if err != nil {
		return exit.WithCode(exit.Source,
			fmt.Errorf("failed to connect to source: %w", err))
	}
	defer srcConn.Close(context.Background())
	sent := sentinel.New(srcConn)

	values, err := waitForApplyGate(ctx, sent, log)
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

	targetConn, err := pgx.Connect(ctx, specs.TargetURL)
	if err != nil {
		return exit.WithCode(exit.Target,
			fmt.Errorf("failed to connect to target: %w", err))
	}
	defer targetConn.Close(context.Background())

	endPos := specs.EndPos
	if endPos == wal.InvalidLSN {
		endPos = values.EndPos
	}

	applier, err := apply.New(apply.Config{
		Conn:     targetConn,
		Origin:   specs.Origin,
		Dir:      specs.Dir,
		Timeline: timeline,
		WalSegSz: segSize,
		History:  history,
		EndPos:   endPos,
		Log:      log,
	})
	if err != nil {
		return err
	}
	if err := applier.Setup(ctx); err != nil {
		return tagSide(exit.Target, err)
	}

	sync := func(ctx context.Context, replay pglogrepl.LSN) (sentinel.Values, error) {
		if err := sent.UpdateReplayed(ctx, replay); err != nil {
			return sentinel.Values{}, err
		}
		return sent.Get(ctx)
	}

	for {
		if err := applier.Catchup(ctx, sync); err != nil {
			return tagSide(exit.Target, err)
		}
		if applier.ReachedEndPos() {
			return nil
		}

		// catch-up stops once the next file is missing; in live mode wait
		// for the receiver to produce it
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-upstreamDone:
			// drain whatever was produced upstream, then finish
			if err := applier.Catchup(ctx, sync); err != nil {
				return tagSide(exit.Target, err)
			}
			return nil
		case <-time.After(applyIdleDelay):
		}
	}
}

// tagSide attaches an exit code for the database side a failure came from,
// leaving plain shutdown errors untagged.
func tagSide(code int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return exit.WithCode(code, err)
}

// waitForApplyGate blocks until the sentinel apply flag is enabled.
func waitForApplyGate(ctx context.Context, sent *sentinel.Sentinel,
	log *slog.Logger) (sentinel.Values, error) {

	first := true
	for {
		values, err := sent.Get(ctx)
		if err != nil {
			return sentinel.Values{}, tagSide(exit.Source, err)
		}
		if values.Apply {
			if !first {
				log.Info("sentinel has enabled applying changes")
			}
			return values, nil
		}
		if first {
			first = false
			log.Info("waiting until the sentinel enables apply")
		}

		select {
		case <-ctx.Done():
			return sentinel.Values{}, ctx.Err()
		case <-time.After(applyGateInterval):
		}
	}
}
