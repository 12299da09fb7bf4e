package api

import (
	"time"

	"github.com/taskforge/codetaskd/internal/task"
)

// CreateTaskRequest is the JSON body for POST /tasks.
type CreateTaskRequest struct {
	UserID          string  `json:"userId"`
	Prompt          string  `json:"prompt"`
	WorkerType      string  `json:"workerType,omitempty"`
	Repository      string  `json:"repository,omitempty"`
	BaseBranch      string  `json:"baseBranch,omitempty"`
	LinearIssueID   *string `json:"linearIssueId,omitempty"`
	ActionID        *string `json:"actionId,omitempty"`
	ApprovalEventID *string `json:"approvalEventId,omitempty"`
}

// CreateTaskResponse is returned on successful submission.
type CreateTaskResponse struct {
	Status         string `json:"status"`
	CodeTaskID     string `json:"codeTaskId"`
	ResourceURL    string `json:"resourceUrl"`
	WorkerLocation string `json:"workerLocation"`
}

// DuplicateResponse is returned when a dedup layer found existing work.
type DuplicateResponse struct {
	Status         string `json:"status"`
	Code           string `json:"code"`
	ExistingTaskID string `json:"existingTaskId"`
}

// FailedResponse is returned when submission could not complete.
type FailedResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	RetryHint string `json:"retryHint,omitempty"`
}

// CancelTaskRequest is the JSON body for POST /tasks/{taskID}/cancel.
type CancelTaskRequest struct {
	Nonce  string `json:"nonce"`
	UserID string `json:"userId"`
}

// CancelTaskResponse is returned on successful cancellation.
type CancelTaskResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StatusCallbackRequest is the signed JSON body workers POST to
// /tasks/{taskID}/status.
type StatusCallbackRequest struct {
	Status   string       `json:"status"`
	Phase    string       `json:"phase,omitempty"`
	Message  string       `json:"message,omitempty"`
	Progress int          `json:"progress,omitempty"`
	Result   *task.Result `json:"result,omitempty"`
	Error    *task.Error  `json:"error,omitempty"`
	Cost     *float64     `json:"cost,omitempty"`
}

// TaskResponse is returned by GET /tasks/{taskID}.
type TaskResponse struct {
	CodeTaskID     string              `json:"codeTaskId"`
	UserID         string              `json:"userId"`
	Status         string              `json:"status"`
	WorkerType     string              `json:"workerType"`
	WorkerLocation string              `json:"workerLocation,omitempty"`
	Repository     string              `json:"repository,omitempty"`
	BaseBranch     string              `json:"baseBranch,omitempty"`
	TraceID        string              `json:"traceId,omitempty"`
	Error          *task.Error         `json:"error,omitempty"`
	Result         *task.Result        `json:"result,omitempty"`
	StatusSummary  *task.StatusSummary `json:"statusSummary,omitempty"`
	DispatchedAt   *time.Time          `json:"dispatchedAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	WorkersConfigured int    `json:"workers_configured"`
}
