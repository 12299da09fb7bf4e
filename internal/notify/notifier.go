package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event is a task lifecycle message for the external notifier.
type Event struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	UserID  string `json:"userId"`
	Message string `json:"message,omitempty"`
}

const (
	EventTaskStarted     = "task_started"
	EventTaskCompleted   = "task_completed"
	EventTaskFailed      = "task_failed"
	EventTaskInterrupted = "task_interrupted"
)

// Notifier posts lifecycle events to an external endpoint. Delivery is
// best-effort and fire-and-forget: failures are logged and swallowed, never
// surfaced to the caller.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a Notifier. An empty url disables delivery entirely.
func New(url string, timeout time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send delivers one event. It never returns an error.
func (n *Notifier) Send(ctx context.Context, ev Event) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("notify marshal failed", "type", ev.Type, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("notify request build failed", "type", ev.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notify delivery failed", "type", ev.Type, "task_id", ev.TaskID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("notify rejected", "type", ev.Type, "task_id", ev.TaskID, "status", resp.StatusCode)
	}
}
