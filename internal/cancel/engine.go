package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
)

var (
	// ErrNotOwner means the requesting user does not own the task.
	ErrNotOwner = errors.New("not_owner")

	// ErrNotCancellable means the task is past the point of cancellation.
	ErrNotCancellable = errors.New("task_not_cancellable")

	// ErrInternal is an unclassified store failure during cancellation.
	ErrInternal = errors.New("internal_error")
)

// TaskStore is the slice of the task store the engine needs.
type TaskStore interface {
	GetByID(ctx context.Context, id string) (*task.CodeTask, error)
	Cancel(ctx context.Context, id string) error
}

// WorkerNotifier delivers the best-effort cancellation notice to a worker.
type WorkerNotifier interface {
	CancelOnWorker(ctx context.Context, w worker.Worker, taskID string) error
}

// WorkerResolver maps a task's assigned location back to a configured worker.
type WorkerResolver interface {
	ByLocation(loc worker.Location) (worker.Worker, bool)
}

// UsageReleaser frees the owner's concurrency slot once the task is
// cancelled. The booked cost estimate stays spent.
type UsageReleaser interface {
	RecordTaskComplete(ctx context.Context, userID string, actualCost *float64) error
}

// Engine validates a cancellation request and transitions the task. The
// persisted task record is authoritative; notifying the worker is
// fire-and-forget.
type Engine struct {
	store    TaskStore
	resolver WorkerResolver
	notifier WorkerNotifier
	usage    UsageReleaser
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a cancellation Engine.
func NewEngine(store TaskStore, resolver WorkerResolver, notifier WorkerNotifier, usage UsageReleaser, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		usage:    usage,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the engine's time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Cancel applies the cancellation checks in order: task exists, caller owns
// it, nonce matches, nonce unexpired, status still cancellable. Only then is
// the task transitioned (which consumes the nonce). Checks that fail leave
// the task untouched.
func (e *Engine) Cancel(ctx context.Context, taskID, nonce, userID string) error {
	t, err := e.store.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			return task.ErrTaskNotFound
		}
		return fmt.Errorf("%w: load task: %v", ErrInternal, err)
	}

	if t.UserID != userID {
		return ErrNotOwner
	}

	if err := Verify(t.CancelNonce, t.CancelNonceExpiresAt, nonce, e.now()); err != nil {
		return err
	}

	if !t.Status.Active() {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, t.Status)
	}

	if err := e.store.Cancel(ctx, t.ID); err != nil {
		if errors.Is(err, task.ErrTerminalStatus) {
			// Lost a race with a terminal transition.
			return fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return fmt.Errorf("%w: persist cancellation: %v", ErrInternal, err)
	}

	if err := e.usage.RecordTaskComplete(ctx, t.UserID, nil); err != nil {
		e.logger.Error("failed to release usage for cancelled task",
			"task_id", t.ID, "user_id", t.UserID, "error", err)
	}

	e.notifyWorker(ctx, t)
	return nil
}

// notifyWorker is best-effort: a failure here never changes the success
// already persisted.
func (e *Engine) notifyWorker(ctx context.Context, t *task.CodeTask) {
	w, ok := e.resolver.ByLocation(t.WorkerLocation)
	if !ok {
		e.logger.Warn("no configured worker for cancelled task",
			"task_id", t.ID, "location", string(t.WorkerLocation))
		return
	}
	if err := e.notifier.CancelOnWorker(ctx, w, t.ID); err != nil {
		e.logger.Warn("worker cancel notice failed",
			"task_id", t.ID, "location", string(t.WorkerLocation), "error", err)
	}
}
