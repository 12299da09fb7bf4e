package zombie

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge/codetaskd/internal/task"
)

// StaleFinder is the slice of the task store the detector needs.
type StaleFinder interface {
	FindStale(ctx context.Context, threshold time.Duration) ([]*task.CodeTask, error)
}

// Handler receives the stale set from each sweep. Reconciliation (marking
// tasks interrupted, notifying users) belongs to the handler, not the
// detector.
type Handler func(ctx context.Context, stale []*task.CodeTask)

// Detector periodically finds tasks stuck in an active status with no
// heartbeat past the staleness threshold. Its findings are advisory.
type Detector struct {
	store      StaleFinder
	staleAfter time.Duration
	interval   time.Duration
	handler    Handler
	logger     *slog.Logger
}

// New creates a Detector.
func New(store StaleFinder, staleAfter, interval time.Duration, handler Handler, logger *slog.Logger) *Detector {
	return &Detector{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		handler:    handler,
		logger:     logger,
	}
}

// Start runs the periodic sweep. This is a blocking call that runs until ctx
// is cancelled. A failed sweep is logged and the loop continues.
func (d *Detector) Start(ctx context.Context) error {
	d.logger.Info("zombie sweep started", "stale_after", d.staleAfter.String(), "interval", d.interval.String())
	defer d.logger.Info("zombie sweep stopped")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.logger.Error("zombie sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the stale set. An empty result is not an
// error. When a handler is configured it receives the non-empty set.
func (d *Detector) Sweep(ctx context.Context) ([]*task.CodeTask, error) {
	stale, err := d.store.FindStale(ctx, d.staleAfter)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	d.logger.Warn("stale tasks detected", "count", len(stale))
	if d.handler != nil {
		d.handler(ctx, stale)
	}
	return stale, nil
}
