package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pglogrepl"

	"github.com/pgrelay/pgrelay/pkg/workdir"
)

// notification is one message on the worker queue: a closed segment ready
// for transformation, keyed by the first LSN of the file, or a STOP request.
type notification struct {
	stop     bool
	walName  string
	firstLSN pglogrepl.LSN
}

// Worker transforms closed segments asynchronously: file N is transformed
// while file N+1 is being received.  The receiver enqueues one notification
// per completed file; exactly one STOP drains the queue and joins the
// worker.
type Worker struct {
	dir         workdir.Dir
	transformer *Transformer
	log         *slog.Logger

	ctx      context.Context
	queue    chan notification
	failed   chan struct{}
	failOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	err  error
	done pglogrepl.LSN
}

// NewWorker prepares a worker over the given work directory.
func NewWorker(dir workdir.Dir, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		dir:         dir,
		transformer: New(log),
		log:         log,
		ctx:         context.Background(),
		queue:       make(chan notification, 16),
		failed:      make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// NotifyFileReady enqueues one closed segment.  Delivery is at-least-once:
// transforming the same file twice only rewrites the same replay file.
// After a transform failure or shutdown, notifications are dropped instead
// of blocking the caller on a queue nobody drains.
func (w *Worker) NotifyFileReady(walName string, firstLSN pglogrepl.LSN) {
	select {
	case w.queue <- notification{walName: walName, firstLSN: firstLSN}:
	case <-w.failed:
	case <-w.ctx.Done():
	}
}

// Stop requests a drain: queued files are still transformed, then the worker
// exits.  Wait reports the first transform error, if any.
func (w *Worker) Stop() {
	select {
	case w.queue <- notification{stop: true}:
	case <-w.failed:
	case <-w.ctx.Done():
	}
}

// Failed is closed as soon as a transform fails, so the supervisor can stop
// the receiver instead of streaming into a dead pipeline.
func (w *Worker) Failed() <-chan struct{} {
	return w.failed
}

// Wait joins the worker.
func (w *Worker) Wait() error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// LastTransformedLSN returns the first LSN of the most recently transformed
// file.
func (w *Worker) LastTransformedLSN() pglogrepl.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case n := <-w.queue:
			if n.stop {
				// drain whatever is already queued, then exit
				for {
					select {
					case pending := <-w.queue:
						if pending.stop {
							continue
						}
						if !w.transformOne(pending) {
							return
						}
					default:
						return
					}
				}
			}

			if !w.transformOne(n) {
				return
			}
		}
	}
}

func (w *Worker) transformOne(n notification) bool {
	jsonPath := w.dir.SegmentPath(n.walName)
	sqlPath := w.dir.ReplayPath(n.walName)

	if err := w.transformer.TransformFile(jsonPath, sqlPath); err != nil {
		w.mu.Lock()
		w.err = fmt.Errorf("failed to transform segment %s: %w", n.walName, err)
		w.mu.Unlock()
		w.failOnce.Do(func() { close(w.failed) })

		w.log.Error("transform failed",
			slog.String("segment", n.walName),
			slog.Any("error", err))
		return false
	}

	w.mu.Lock()
	if n.firstLSN > w.done {
		w.done = n.firstLSN
	}
	w.mu.Unlock()

	return true
}
