package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendDeliversEvent(t *testing.T) {
	t.Parallel()

	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := New(srv.URL, 2*time.Second, discardLogger())
	n.Send(context.Background(), Event{
		Type:    EventTaskCompleted,
		TaskID:  "task-1",
		UserID:  "user-1",
		Message: "all done",
	})

	if got.Type != EventTaskCompleted || got.TaskID != "task-1" || got.Message != "all done" {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func TestSendDisabledWithoutURL(t *testing.T) {
	t.Parallel()

	// Must be a no-op, not a panic or an error.
	n := New("", 2*time.Second, discardLogger())
	n.Send(context.Background(), Event{Type: EventTaskStarted, TaskID: "task-1"})
}

func TestSendSwallowsFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, 2*time.Second, discardLogger())
	n.Send(context.Background(), Event{Type: EventTaskFailed, TaskID: "task-1"})
	if calls.Load() != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", calls.Load())
	}

	// A dead endpoint is equally silent.
	srv.Close()
	n.Send(context.Background(), Event{Type: EventTaskFailed, TaskID: "task-2"})
}
