package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
)

// ErrWorkerUnavailable means the worker rejected or never received the
// dispatch. The caller decides whether to surface it; this package never
// retries within the call.
var ErrWorkerUnavailable = errors.New("worker_unavailable")

// Payload is the signed body sent to a worker's dispatch endpoint.
type Payload struct {
	TaskID     string `json:"taskId"`
	Prompt     string `json:"prompt"`
	WorkerType string `json:"workerType"`
	Repository string `json:"repository,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// Result reports a successful dispatch.
type Result struct {
	Dispatched     bool
	WorkerLocation worker.Location
}

// Dispatcher sends signed task dispatches and cancellation notices to
// workers over HTTP.
type Dispatcher struct {
	client *http.Client
	secret string
	creds  worker.GatewayCredentials
	logger *slog.Logger
}

// New creates a Dispatcher. timeout bounds each worker call.
func New(timeout time.Duration, secret string, creds worker.GatewayCredentials, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		secret: secret,
		creds:  creds,
		logger: logger,
	}
}

// Dispatch sends the task to the selected worker. On any failure (non-2xx,
// network error, signature rejection) it returns ErrWorkerUnavailable
// wrapped with detail; recording the failure on the task is the caller's
// responsibility. Once sent, the request is awaited to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, w worker.Worker, t *task.CodeTask) (Result, error) {
	payload := Payload{
		TaskID:     t.ID,
		Prompt:     t.SanitizedPrompt,
		WorkerType: string(t.WorkerType),
		Repository: t.Repository,
		BaseBranch: t.BaseBranch,
		TraceID:    t.TraceID,
	}

	resp, err := d.post(ctx, w, "/dispatch", payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: dispatch to %s: %v", ErrWorkerUnavailable, w.Location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: worker %s returned HTTP %d", ErrWorkerUnavailable, w.Location, resp.StatusCode)
	}

	return Result{Dispatched: true, WorkerLocation: w.Location}, nil
}

// CancelOnWorker notifies a worker that a task was cancelled. This is
// best-effort: the authoritative state is the persisted task record, so the
// caller logs and swallows any error returned here.
func (d *Dispatcher) CancelOnWorker(ctx context.Context, w worker.Worker, taskID string) error {
	resp, err := d.post(ctx, w, "/cancel", map[string]string{"taskId": taskID})
	if err != nil {
		return fmt.Errorf("cancel notice to %s: %w", w.Location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel notice to %s returned HTTP %d", w.Location, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, w worker.Worker, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignBody(body, d.secret))
	if d.creds.ClientID != "" {
		req.Header.Set("CF-Access-Client-Id", d.creds.ClientID)
		req.Header.Set("CF-Access-Client-Secret", d.creds.ClientSecret)
	}

	return d.client.Do(req)
}
