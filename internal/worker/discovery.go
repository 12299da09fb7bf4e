package worker

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnavailable means no configured worker is healthy with spare capacity.
var ErrUnavailable = errors.New("worker_unavailable")

// HealthChecker abstracts the probe so discovery can be tested without HTTP.
type HealthChecker interface {
	CheckHealth(ctx context.Context, w Worker) (Health, error)
}

// Discovery scans the configured workers in priority order and returns the
// first healthy one. The worker count is small and static, so a ranked-list
// scan is all this needs.
type Discovery struct {
	workers []Worker
	checker HealthChecker
	logger  *slog.Logger
}

// NewDiscovery creates a Discovery over a priority-sorted worker list.
func NewDiscovery(workers []Worker, checker HealthChecker, logger *slog.Logger) *Discovery {
	return &Discovery{
		workers: workers,
		checker: checker,
		logger:  logger,
	}
}

// Workers returns the configured worker list in priority order.
func (d *Discovery) Workers() []Worker {
	return d.workers
}

// ByLocation returns the configured worker at loc, if any.
func (d *Discovery) ByLocation(loc Location) (Worker, bool) {
	for _, w := range d.workers {
		if w.Location == loc {
			return w, true
		}
	}
	return Worker{}, false
}

// FindAvailableWorker returns the first worker (ascending priority) that is
// healthy with spare capacity. Every check performed along the way warms the
// shared health cache. Returns ErrUnavailable when no worker qualifies.
func (d *Discovery) FindAvailableWorker(ctx context.Context) (Worker, Health, error) {
	for _, w := range d.workers {
		h, err := d.checker.CheckHealth(ctx, w)
		if err != nil {
			d.logger.Warn("worker health check failed",
				"location", string(w.Location),
				"error", err,
			)
			continue
		}
		if !h.Healthy {
			d.logger.Debug("worker not available",
				"location", string(w.Location),
				"capacity", h.Capacity,
			)
			continue
		}
		return w, h, nil
	}
	return Worker{}, Health{}, ErrUnavailable
}
