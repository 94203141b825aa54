package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Worker interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}

// WorkFunc does one unit of polling work and reports how many items it handled.
type WorkFunc func(ctx context.Context) (int, error)

// BaseWorker runs a WorkFunc on every tick. When a run handles a full batch it
// runs again immediately instead of waiting for the next tick.
type BaseWorker struct {
	name     string
	interval time.Duration
	batch    int
	clock    clockwork.Clock
	logger   *slog.Logger
	work     WorkFunc

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  bool
}

// NewBaseWorker builds a worker. batch is the size at which a run counts as
// full; zero disables draining.
func NewBaseWorker(name string, interval time.Duration, batch int, clock clockwork.Clock, logger *slog.Logger, work WorkFunc) *BaseWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseWorker{
		name:     name,
		interval: interval,
		batch:    batch,
		clock:    clock,
		logger:   logger.With("worker", name),
		work:     work,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *BaseWorker) Name() string { return w.name }

// Start blocks until ctx is done or Stop is called.
func (w *BaseWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		w.logger.Warn("worker already started")
		return
	}
	w.started = true
	w.mu.Unlock()
	defer close(w.done)

	w.logger.Info("worker started", "interval", w.interval)
	defer w.logger.Info("worker stopped")

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.Chan():
			w.drain(ctx)
		}
	}
}

func (w *BaseWorker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		n, err := w.work(ctx)
		if err != nil {
			w.logger.Error("worker run failed", "error", err)
			return
		}
		if w.batch <= 0 || n < w.batch {
			return
		}
	}
}

// Stop signals the loop to exit and waits for the current run. Safe to call more than once.
func (w *BaseWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}
