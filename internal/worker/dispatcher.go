package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Dispatcher owns the lifecycle of a set of workers.
type Dispatcher struct {
	workers []Worker
	logger  *slog.Logger
}

func NewDispatcher(logger *slog.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{workers: workers, logger: logger}
}

// Run starts every worker and blocks until ctx is done and all of them have stopped.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "workers", len(d.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}

	<-gctx.Done()
	for _, w := range d.workers {
		w.Stop()
	}

	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}
