package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskforge/codetaskd/internal/dispatch"
	"github.com/taskforge/codetaskd/internal/notify"
	"github.com/taskforge/codetaskd/internal/ratelimit"
	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
)

type fakeStore struct {
	createErr    error
	created      *task.CodeTask
	tasks        map[string]*task.CodeTask
	assigned     map[string]worker.Location
	failures     map[string]string
	nonces       map[string]string
	summaries    map[string]int
	completed    []string
	failed       []string
	interrupted  []string
	interruptErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     map[string]*task.CodeTask{},
		assigned:  map[string]worker.Location{},
		failures:  map[string]string{},
		nonces:    map[string]string{},
		summaries: map[string]int{},
	}
}

func (f *fakeStore) Create(ctx context.Context, in task.CreateInput) (*task.CodeTask, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	t := &task.CodeTask{
		ID:              "task-1",
		UserID:          in.UserID,
		Prompt:          in.Prompt,
		SanitizedPrompt: in.SanitizedPrompt,
		WorkerType:      in.WorkerType,
		Status:          task.StatusDispatched,
	}
	f.created = t
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*task.CodeTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}

func (f *fakeStore) AssignWorker(ctx context.Context, id string, loc worker.Location) error {
	f.assigned[id] = loc
	return nil
}

func (f *fakeStore) RecordDispatchFailure(ctx context.Context, id, code, message string) error {
	f.failures[id] = code
	return nil
}

func (f *fakeStore) IssueCancelNonce(ctx context.Context, id, nonce string, expiresAt time.Time) error {
	f.nonces[id] = nonce
	return nil
}

func (f *fakeStore) ApplyStatusSummary(ctx context.Context, id, phase, message string, progress int) error {
	f.summaries[id] = progress
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, id string, result *task.Result) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeStore) Fail(ctx context.Context, id string, taskErr task.Error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) MarkInterrupted(ctx context.Context, id string) error {
	if f.interruptErr != nil {
		return f.interruptErr
	}
	f.interrupted = append(f.interrupted, id)
	return nil
}

type fakeFinder struct {
	worker worker.Worker
	health worker.Health
	err    error
}

func (f *fakeFinder) FindAvailableWorker(ctx context.Context) (worker.Worker, worker.Health, error) {
	return f.worker, f.health, f.err
}

type fakeDispatcher struct {
	err        error
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, w worker.Worker, t *task.CodeTask) (dispatch.Result, error) {
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	f.dispatched = append(f.dispatched, t.ID)
	return dispatch.Result{Dispatched: true, WorkerLocation: w.Location}, nil
}

type fakeLimiter struct {
	checkErr  error
	starts    []string
	completes []string
	lastCost  *float64
}

func (f *fakeLimiter) CheckLimits(ctx context.Context, userID string, promptLength int) error {
	return f.checkErr
}

func (f *fakeLimiter) RecordTaskStart(ctx context.Context, userID string) error {
	f.starts = append(f.starts, userID)
	return nil
}

func (f *fakeLimiter) RecordTaskComplete(ctx context.Context, userID string, actualCost *float64) error {
	f.completes = append(f.completes, userID)
	f.lastCost = actualCost
	return nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Send(ctx context.Context, ev notify.Event) {
	f.events = append(f.events, ev)
}

type testRig struct {
	store      *fakeStore
	finder     *fakeFinder
	dispatcher *fakeDispatcher
	limiter    *fakeLimiter
	notifier   *fakeNotifier
	engine     *Engine
}

func newTestRig() *testRig {
	r := &testRig{
		store: newFakeStore(),
		finder: &fakeFinder{
			worker: worker.Worker{Location: worker.LocationMac, URL: "https://mac.example.test", Priority: 1},
			health: worker.Health{Location: worker.LocationMac, Healthy: true, Capacity: 2},
		},
		dispatcher: &fakeDispatcher{},
		limiter:    &fakeLimiter{},
		notifier:   &fakeNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r.engine = New(r.store, r.finder, r.dispatcher, r.limiter, r.notifier, 15*time.Minute, logger)
	return r
}

func submitInput() task.CreateInput {
	return task.CreateInput{
		UserID:          "user-1",
		Prompt:          "fix the bug",
		SanitizedPrompt: "fix the bug",
		WorkerType:      task.WorkerTypeAuto,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()
	r := newTestRig()

	res, err := r.engine.Submit(context.Background(), submitInput())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Task.ID != "task-1" || res.WorkerLocation != worker.LocationMac {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.CancelNonce.Value == "" {
		t.Fatal("expected a cancel nonce")
	}
	if r.store.assigned["task-1"] != worker.LocationMac {
		t.Fatalf("expected worker assignment, got %v", r.store.assigned)
	}
	if len(r.dispatcher.dispatched) != 1 {
		t.Fatalf("expected 1 dispatch, got %v", r.dispatcher.dispatched)
	}
	if r.store.nonces["task-1"] != res.CancelNonce.Value {
		t.Fatal("expected nonce persisted")
	}
	if len(r.limiter.starts) != 1 || r.limiter.starts[0] != "user-1" {
		t.Fatalf("expected usage booked, got %v", r.limiter.starts)
	}
	if len(r.notifier.events) != 1 || r.notifier.events[0].Type != notify.EventTaskStarted {
		t.Fatalf("expected task_started notification, got %+v", r.notifier.events)
	}
}

func TestSubmitLimitRejectionStopsEverything(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.limiter.checkErr = &ratelimit.LimitError{Code: ratelimit.CodeHourlyLimit, RetryHint: "in about 1 hour"}

	_, err := r.engine.Submit(context.Background(), submitInput())
	var le *ratelimit.LimitError
	if !errors.As(err, &le) || le.Code != ratelimit.CodeHourlyLimit {
		t.Fatalf("expected hourly limit error, got %v", err)
	}
	if r.store.created != nil {
		t.Fatal("no task may be created on a limit rejection")
	}
	if len(r.dispatcher.dispatched) != 0 || len(r.limiter.starts) != 0 {
		t.Fatal("no side effects allowed on a limit rejection")
	}
}

func TestSubmitDuplicatePassthrough(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.createErr = &task.DuplicateError{Code: task.DuplicateApproval, ExistingTaskID: "task-0"}

	_, err := r.engine.Submit(context.Background(), submitInput())
	var dup *task.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateError, got %v", err)
	}
	if dup.ExistingTaskID != "task-0" {
		t.Fatalf("expected existing task id passthrough, got %+v", dup)
	}
	if len(r.dispatcher.dispatched) != 0 {
		t.Fatal("duplicates must not dispatch")
	}
}

func TestSubmitNoWorkerRecordsFailure(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.finder.err = worker.ErrUnavailable

	_, err := r.engine.Submit(context.Background(), submitInput())
	if !errors.Is(err, worker.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if r.store.failures["task-1"] != "worker_unavailable" {
		t.Fatalf("expected failure recorded on the task, got %v", r.store.failures)
	}
	if len(r.limiter.starts) != 0 {
		t.Fatal("usage must not be booked for a failed dispatch")
	}
	if len(r.notifier.events) != 0 {
		t.Fatal("no notification for a failed dispatch")
	}
}

func TestSubmitDispatchFailureRecordsFailure(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.dispatcher.err = dispatch.ErrWorkerUnavailable

	_, err := r.engine.Submit(context.Background(), submitInput())
	if !errors.Is(err, dispatch.ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
	if r.store.failures["task-1"] != "worker_unavailable" {
		t.Fatalf("expected failure recorded, got %v", r.store.failures)
	}
	if r.store.nonces["task-1"] != "" {
		t.Fatal("no nonce may be issued for a failed dispatch")
	}
}

func TestApplyStatusUpdateHeartbeat(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.tasks["task-1"] = &task.CodeTask{ID: "task-1", UserID: "user-1", Status: task.StatusRunning}

	err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{
		Status: "running", Phase: "tests", Progress: 40,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if r.store.summaries["task-1"] != 40 {
		t.Fatalf("expected heartbeat recorded, got %v", r.store.summaries)
	}
	if len(r.limiter.completes) != 0 {
		t.Fatal("heartbeats must not release usage")
	}
}

func TestApplyStatusUpdateCompleted(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.tasks["task-1"] = &task.CodeTask{ID: "task-1", UserID: "user-1", Status: task.StatusRunning}

	cost := 2.5
	err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{
		Status: "completed",
		Result: &task.Result{Branch: "task/abc"},
		Cost:   &cost,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(r.store.completed) != 1 {
		t.Fatalf("expected completion persisted, got %v", r.store.completed)
	}
	if len(r.limiter.completes) != 1 || r.limiter.lastCost == nil || *r.limiter.lastCost != 2.5 {
		t.Fatalf("expected cost reconciled, got %v %v", r.limiter.completes, r.limiter.lastCost)
	}
	if len(r.notifier.events) != 1 || r.notifier.events[0].Type != notify.EventTaskCompleted {
		t.Fatalf("expected task_completed notification, got %+v", r.notifier.events)
	}
}

func TestApplyStatusUpdateFailed(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.tasks["task-1"] = &task.CodeTask{ID: "task-1", UserID: "user-1", Status: task.StatusRunning}

	err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{
		Status: "failed",
		Error:  &task.Error{Code: "build_failed", Message: "compile error"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(r.store.failed) != 1 {
		t.Fatalf("expected failure persisted, got %v", r.store.failed)
	}
	if len(r.limiter.completes) != 1 {
		t.Fatal("expected usage released on failure")
	}
	if len(r.notifier.events) != 1 || r.notifier.events[0].Type != notify.EventTaskFailed {
		t.Fatalf("expected task_failed notification, got %+v", r.notifier.events)
	}
	if r.notifier.events[0].Message != "compile error" {
		t.Fatalf("expected error message forwarded, got %q", r.notifier.events[0].Message)
	}
}

func TestApplyStatusUpdateUnknownTask(t *testing.T) {
	t.Parallel()
	r := newTestRig()

	err := r.engine.ApplyStatusUpdate(context.Background(), "missing", StatusUpdate{Status: "running"})
	if !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestApplyStatusUpdateUnknownStatus(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.tasks["task-1"] = &task.CodeTask{ID: "task-1", UserID: "user-1", Status: task.StatusRunning}

	if err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{Status: "paused"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestReconcileStale(t *testing.T) {
	t.Parallel()
	r := newTestRig()

	stale := []*task.CodeTask{
		{ID: "task-1", UserID: "user-1", Status: task.StatusRunning},
		{ID: "task-2", UserID: "user-2", Status: task.StatusDispatched},
	}
	r.engine.ReconcileStale(context.Background(), stale)

	if len(r.store.interrupted) != 2 {
		t.Fatalf("expected both tasks interrupted, got %v", r.store.interrupted)
	}
	if len(r.limiter.completes) != 2 {
		t.Fatalf("expected both users' usage released, got %v", r.limiter.completes)
	}
	if len(r.notifier.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(r.notifier.events))
	}
	for _, ev := range r.notifier.events {
		if ev.Type != notify.EventTaskInterrupted {
			t.Fatalf("expected task_interrupted, got %s", ev.Type)
		}
	}
}

func TestLateCallbackAfterInterruptionReleasesUsageOnce(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	stale := &task.CodeTask{ID: "task-1", UserID: "user-1", Status: task.StatusRunning}
	r.store.tasks["task-1"] = stale

	// The sweep interrupts the task and releases the owner's slot.
	r.engine.ReconcileStale(context.Background(), []*task.CodeTask{stale})
	stale.Status = task.StatusInterrupted
	if len(r.limiter.completes) != 1 {
		t.Fatalf("expected usage released by the sweep, got %v", r.limiter.completes)
	}

	// A worker that comes back later may still report the outcome. The
	// record is updated but the slot, already freed, stays freed: a second
	// release would hand back a slot another running task holds.
	cost := 1.2
	err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{
		Status: "completed",
		Result: &task.Result{Branch: "task/abc"},
		Cost:   &cost,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(r.store.completed) != 1 {
		t.Fatalf("expected late completion persisted, got %v", r.store.completed)
	}
	if len(r.limiter.completes) != 1 {
		t.Fatalf("usage must not be released twice, got %v", r.limiter.completes)
	}

	// Same for a late failure report.
	if err := r.engine.ApplyStatusUpdate(context.Background(), "task-1", StatusUpdate{Status: "failed"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(r.limiter.completes) != 1 {
		t.Fatalf("usage must not be released on a late failure either, got %v", r.limiter.completes)
	}
}

func TestReconcileStaleSkipsRacedTasks(t *testing.T) {
	t.Parallel()
	r := newTestRig()
	r.store.interruptErr = task.ErrTerminalStatus

	// A task that completed between the sweep query and the reconcile must
	// not have its usage released a second time.
	r.engine.ReconcileStale(context.Background(), []*task.CodeTask{
		{ID: "task-1", UserID: "user-1", Status: task.StatusRunning},
	})
	if len(r.limiter.completes) != 0 {
		t.Fatalf("expected no usage release on race, got %v", r.limiter.completes)
	}
	if len(r.notifier.events) != 0 {
		t.Fatal("expected no notification on race")
	}
}
