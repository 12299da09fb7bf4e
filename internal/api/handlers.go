package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskforge/codetaskd/internal/cancel"
	"github.com/taskforge/codetaskd/internal/dispatch"
	"github.com/taskforge/codetaskd/internal/engine"
	"github.com/taskforge/codetaskd/internal/ratelimit"
	"github.com/taskforge/codetaskd/internal/task"
	"github.com/taskforge/codetaskd/internal/worker"
)

// maxCallbackBody caps worker status callback bodies.
const maxCallbackBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		WorkersConfigured: s.config.WorkerCount,
	})
}

// handleCreateTask handles POST /tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Prompt == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	workerType := task.WorkerType(req.WorkerType)
	if workerType == "" {
		workerType = task.WorkerTypeAuto
	}

	in := task.CreateInput{
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		SanitizedPrompt: task.SanitizePrompt(req.Prompt),
		WorkerType:      workerType,
		Repository:      req.Repository,
		BaseBranch:      req.BaseBranch,
		TraceID:         middleware.GetReqID(r.Context()),
		ActionID:        req.ActionID,
		ApprovalEventID: req.ApprovalEventID,
		LinearIssueID:   req.LinearIssueID,
	}

	result, err := s.submitter.Submit(r.Context(), in)
	if err != nil {
		s.respondSubmitError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, CreateTaskResponse{
		Status:         "submitted",
		CodeTaskID:     result.Task.ID,
		ResourceURL:    "/tasks/" + result.Task.ID,
		WorkerLocation: string(result.WorkerLocation),
	})
}

// respondSubmitError maps submission outcomes onto the wire contract:
// duplicates are 409 (existing work, not an error), limit rejections are
// 429, missing workers are 503.
func (s *Server) respondSubmitError(w http.ResponseWriter, err error) {
	var dup *task.DuplicateError
	if errors.As(err, &dup) {
		respondJSON(w, http.StatusConflict, DuplicateResponse{
			Status:         "duplicate",
			Code:           string(dup.Code),
			ExistingTaskID: dup.ExistingTaskID,
		})
		return
	}

	var limit *ratelimit.LimitError
	if errors.As(err, &limit) {
		respondJSON(w, http.StatusTooManyRequests, FailedResponse{
			Status:    "failed",
			Error:     string(limit.Code),
			RetryHint: limit.RetryHint,
		})
		return
	}

	if errors.Is(err, worker.ErrUnavailable) || errors.Is(err, dispatch.ErrWorkerUnavailable) {
		respondJSON(w, http.StatusServiceUnavailable, FailedResponse{
			Status: "failed",
			Error:  "worker_unavailable",
		})
		return
	}

	s.logger.Error("task submission failed", "error", err)
	respondJSON(w, http.StatusInternalServerError, FailedResponse{
		Status: "failed",
		Error:  "internal_error",
	})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	t, err := s.reader.GetByID(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task_not_found")
			return
		}
		s.logger.Error("failed to load task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	respondJSON(w, http.StatusOK, TaskResponse{
		CodeTaskID:     t.ID,
		UserID:         t.UserID,
		Status:         string(t.Status),
		WorkerType:     string(t.WorkerType),
		WorkerLocation: string(t.WorkerLocation),
		Repository:     t.Repository,
		BaseBranch:     t.BaseBranch,
		TraceID:        t.TraceID,
		Error:          t.Error,
		Result:         t.Result,
		StatusSummary:  t.StatusSummary,
		DispatchedAt:   t.DispatchedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	})
}

// handleCancelTask handles POST /tasks/{taskID}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req CancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Nonce == "" {
		s.writeError(w, http.StatusBadRequest, "userId and nonce are required")
		return
	}

	err := s.canceller.Cancel(r.Context(), taskID, req.Nonce, req.UserID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, CancelTaskResponse{Cancelled: true})
	case errors.Is(err, task.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "task_not_found")
	case errors.Is(err, cancel.ErrNotOwner):
		s.writeError(w, http.StatusForbidden, "not_owner")
	case errors.Is(err, cancel.ErrInvalidNonce):
		s.writeError(w, http.StatusForbidden, "invalid_nonce")
	case errors.Is(err, cancel.ErrNonceExpired):
		s.writeError(w, http.StatusGone, "nonce_expired")
	case errors.Is(err, cancel.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "task_not_cancellable")
	default:
		s.logger.Error("cancellation failed", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// handleStatusCallback handles POST /tasks/{taskID}/status from workers.
// The body is authenticated by its HMAC signature, not a bearer token.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	sig := r.Header.Get(dispatch.SignatureHeader)
	if err := dispatch.VerifySignature(body, sig, s.config.DispatchSecret); err != nil {
		s.writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	var req StatusCallbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	update := toStatusUpdate(req)
	if err := s.submitter.ApplyStatusUpdate(r.Context(), taskID, update); err != nil {
		switch {
		case errors.Is(err, task.ErrTaskNotFound):
			s.writeError(w, http.StatusNotFound, "task_not_found")
		case errors.Is(err, task.ErrTerminalStatus):
			s.writeError(w, http.StatusConflict, "task already terminal")
		default:
			s.logger.Error("status callback failed", "task_id", taskID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func toStatusUpdate(req StatusCallbackRequest) engine.StatusUpdate {
	return engine.StatusUpdate{
		Status:   req.Status,
		Phase:    req.Phase,
		Message:  req.Message,
		Progress: req.Progress,
		Result:   req.Result,
		Error:    req.Error,
		Cost:     req.Cost,
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
