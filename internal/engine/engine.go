package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskforge/codetaskd/internal/cancel"
	"github.com/taskforge/codetaskd/internal/dispatch"
	"github.com/taskforge/codetaskd/internal/notify"
	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
)

// TaskStore is the slice of the task store the engine needs.
type TaskStore interface {
	Create(ctx context.Context, in task.CreateInput) (*task.CodeTask, error)
	GetByID(ctx context.Context, id string) (*task.CodeTask, error)
	AssignWorker(ctx context.Context, id string, loc worker.Location) error
	RecordDispatchFailure(ctx context.Context, id, code, message string) error
	IssueCancelNonce(ctx context.Context, id, nonce string, expiresAt time.Time) error
	ApplyStatusSummary(ctx context.Context, id, phase, message string, progress int) error
	Complete(ctx context.Context, id string, result *task.Result) error
	Fail(ctx context.Context, id string, taskErr task.Error) error
	MarkInterrupted(ctx context.Context, id string) error
}

// WorkerFinder selects a healthy worker.
type WorkerFinder interface {
	FindAvailableWorker(ctx context.Context) (worker.Worker, worker.Health, error)
}

// TaskDispatcher sends the task to a selected worker.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, w worker.Worker, t *task.CodeTask) (dispatch.Result, error)
}

// UsageRecorder books and releases per-user usage.
type UsageRecorder interface {
	CheckLimits(ctx context.Context, userID string, promptLength int) error
	RecordTaskStart(ctx context.Context, userID string) error
	RecordTaskComplete(ctx context.Context, userID string, actualCost *float64) error
}

// Notifier delivers best-effort lifecycle messages.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event)
}

// SubmitResult is the outcome of a successful end-to-end submission.
type SubmitResult struct {
	Task           *task.CodeTask
	WorkerLocation worker.Location
	CancelNonce    cancel.Nonce
}

// Engine orchestrates the full task lifecycle: rate-limit gate, dedup
// create, worker discovery, dispatch, nonce issue, usage booking, and the
// best-effort start notification.
type Engine struct {
	store      TaskStore
	finder     WorkerFinder
	dispatcher TaskDispatcher
	limiter    UsageRecorder
	notifier   Notifier
	nonceTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine.
func New(store TaskStore, finder WorkerFinder, dispatcher TaskDispatcher, limiter UsageRecorder, notifier Notifier, nonceTTL time.Duration, logger *slog.Logger) *Engine {
	if nonceTTL <= 0 {
		nonceTTL = 15 * time.Minute
	}
	return &Engine{
		store:      store,
		finder:     finder,
		dispatcher: dispatcher,
		limiter:    limiter,
		notifier:   notifier,
		nonceTTL:   nonceTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the engine's time source. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Submit runs a validated creation input end to end.
//
// Idempotency outcomes (*task.DuplicateError) come back verbatim: existing
// work was found, not an error state. A dispatch or discovery failure is
// recorded on the persisted task (the row remains for audit, no automatic
// retry) and returned to the caller.
func (e *Engine) Submit(ctx context.Context, in task.CreateInput) (*SubmitResult, error) {
	if err := e.limiter.CheckLimits(ctx, in.UserID, len(in.Prompt)); err != nil {
		return nil, err
	}

	t, err := e.store.Create(ctx, in)
	if err != nil {
		var dup *task.DuplicateError
		if errors.As(err, &dup) {
			return nil, dup
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	logger := e.logger.With("task_id", t.ID, "user_id", t.UserID)

	w, health, err := e.finder.FindAvailableWorker(ctx)
	if err != nil {
		logger.Error("no worker available", "error", err)
		e.recordFailure(ctx, t.ID, "worker_unavailable", err.Error())
		return nil, err
	}
	logger.Info("worker selected", "location", string(w.Location), "capacity", health.Capacity)

	if err := e.store.AssignWorker(ctx, t.ID, w.Location); err != nil {
		logger.Error("failed to assign worker", "error", err)
		return nil, fmt.Errorf("assign worker: %w", err)
	}
	t.WorkerLocation = w.Location

	if _, err := e.dispatcher.Dispatch(ctx, w, t); err != nil {
		logger.Error("dispatch failed", "location", string(w.Location), "error", err)
		e.recordFailure(ctx, t.ID, "worker_unavailable", err.Error())
		return nil, err
	}

	nonce, err := cancel.Issue(e.nonceTTL, e.now())
	if err != nil {
		return nil, fmt.Errorf("issue cancel nonce: %w", err)
	}
	if err := e.store.IssueCancelNonce(ctx, t.ID, nonce.Value, nonce.ExpiresAt); err != nil {
		return nil, fmt.Errorf("store cancel nonce: %w", err)
	}
	t.CancelNonce = &nonce.Value
	t.CancelNonceExpiresAt = &nonce.ExpiresAt

	if err := e.limiter.RecordTaskStart(ctx, t.UserID); err != nil {
		// Accounting drift is preferable to failing a dispatched task.
		logger.Error("failed to record task start", "error", err)
	}

	e.notifier.Send(ctx, notify.Event{
		Type:    notify.EventTaskStarted,
		TaskID:  t.ID,
		UserID:  t.UserID,
		Message: fmt.Sprintf("task dispatched to %s worker", w.Location),
	})

	logger.Info("task dispatched", "location", string(w.Location))
	return &SubmitResult{Task: t, WorkerLocation: w.Location, CancelNonce: nonce}, nil
}

func (e *Engine) recordFailure(ctx context.Context, id, code, message string) {
	if err := e.store.RecordDispatchFailure(ctx, id, code, message); err != nil {
		e.logger.Error("failed to record dispatch failure", "task_id", id, "error", err)
	}
}

// StatusUpdate is a worker callback: either a progress heartbeat or a
// terminal report.
type StatusUpdate struct {
	Status   string
	Phase    string
	Message  string
	Progress int
	Result   *task.Result
	Error    *task.Error
	Cost     *float64
}

// ApplyStatusUpdate handles a worker callback for a task. Heartbeats bump
// the task's updatedAt (which is what the zombie sweep watches); terminal
// reports release the user's concurrency slot, reconcile cost, and fire the
// matching notification.
func (e *Engine) ApplyStatusUpdate(ctx context.Context, taskID string, update StatusUpdate) error {
	t, err := e.store.GetByID(ctx, taskID)
	if err != nil {
		return err
	}

	switch update.Status {
	case string(task.StatusRunning):
		return e.store.ApplyStatusSummary(ctx, taskID, update.Phase, update.Message, update.Progress)

	case string(task.StatusCompleted):
		if err := e.store.Complete(ctx, taskID, update.Result); err != nil {
			return err
		}
		// The zombie sweep releases usage when it interrupts a task, so a
		// late callback for an interrupted task must not release it again.
		if t.Status.Active() {
			e.finishAccounting(ctx, t, update.Cost)
		}
		e.notifier.Send(ctx, notify.Event{
			Type:   notify.EventTaskCompleted,
			TaskID: t.ID,
			UserID: t.UserID,
		})
		return nil

	case string(task.StatusFailed):
		taskErr := task.Error{Code: "worker_error"}
		if update.Error != nil {
			taskErr = *update.Error
		}
		if err := e.store.Fail(ctx, taskID, taskErr); err != nil {
			return err
		}
		if t.Status.Active() {
			e.finishAccounting(ctx, t, update.Cost)
		}
		e.notifier.Send(ctx, notify.Event{
			Type:    notify.EventTaskFailed,
			TaskID:  t.ID,
			UserID:  t.UserID,
			Message: taskErr.Message,
		})
		return nil

	default:
		return fmt.Errorf("unknown status update %q", update.Status)
	}
}

// ReconcileStale is the zombie-sweep handler: stale tasks are marked
// interrupted, their owners' concurrency released, and the user notified.
func (e *Engine) ReconcileStale(ctx context.Context, stale []*task.CodeTask) {
	for _, t := range stale {
		if err := e.store.MarkInterrupted(ctx, t.ID); err != nil {
			e.logger.Error("failed to mark task interrupted", "task_id", t.ID, "error", err)
			continue
		}
		e.finishAccounting(ctx, t, nil)
		e.notifier.Send(ctx, notify.Event{
			Type:    notify.EventTaskInterrupted,
			TaskID:  t.ID,
			UserID:  t.UserID,
			Message: "task lost contact with its worker",
		})
		e.logger.Warn("task interrupted by zombie sweep", "task_id", t.ID, "user_id", t.UserID)
	}
}

func (e *Engine) finishAccounting(ctx context.Context, t *task.CodeTask, actualCost *float64) {
	if err := e.limiter.RecordTaskComplete(ctx, t.UserID, actualCost); err != nil {
		e.logger.Error("failed to record task completion", "task_id", t.ID, "error", err)
	}
}
