package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskforge/codetaskd/internal/worker"
)

// Status is the lifecycle state of a CodeTask.
type Status string

const (
	StatusDispatched  Status = "dispatched"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further mutation of the task is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the task is still expected to make progress
// (and is therefore cancellable and subject to the zombie sweep).
func (s Status) Active() bool {
	return s == StatusDispatched || s == StatusRunning
}

// WorkerType selects the model/agent flavor the worker should run.
type WorkerType string

const (
	WorkerTypeOpus WorkerType = "opus"
	WorkerTypeAuto WorkerType = "auto"
	WorkerTypeGLM  WorkerType = "glm"
)

// Error records why a task failed.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is what a worker hands back on successful completion.
type Result struct {
	Branch  string `json:"branch,omitempty"`
	Commits int    `json:"commits,omitempty"`
	Summary string `json:"summary,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
}

// StatusSummary is the most recent progress report from the worker.
type StatusSummary struct {
	Phase     string    `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CodeTask is the unit of autonomous coding work tracked by this engine.
type CodeTask struct {
	ID               string
	UserID           string
	Prompt           string
	SanitizedPrompt  string
	SystemPromptHash string
	WorkerType       WorkerType
	WorkerLocation   worker.Location
	Repository       string
	BaseBranch       string
	TraceID          string

	ActionID         *string
	ApprovalEventID  *string
	LinearIssueID    *string
	LinearIssueTitle *string
	LinearFallback   bool

	Status           Status
	CallbackReceived bool
	DedupKey         string

	CancelNonce          *string
	CancelNonceExpiresAt *time.Time

	Error         *Error
	Result        *Result
	StatusSummary *StatusSummary

	DispatchedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// CreateInput carries everything needed to persist a new task.
type CreateInput struct {
	UserID           string
	Prompt           string
	SanitizedPrompt  string
	SystemPromptHash string
	WorkerType       WorkerType
	WorkerLocation   worker.Location
	Repository       string
	BaseBranch       string
	TraceID          string
	ActionID         *string
	ApprovalEventID  *string
	LinearIssueID    *string
	LinearIssueTitle *string
	LinearFallback   bool
}

// DuplicateCode identifies which dedup layer detected existing work.
type DuplicateCode string

const (
	DuplicateApproval DuplicateCode = "DUPLICATE_APPROVAL"
	DuplicateAction   DuplicateCode = "DUPLICATE_ACTION"
	DuplicatePrompt   DuplicateCode = "DUPLICATE_PROMPT"
	ActiveTaskExists  DuplicateCode = "ACTIVE_TASK_EXISTS"
)

// DuplicateError is an idempotency outcome, not a failure: it means the
// requested work already exists and carries the existing task's id so the
// caller can redirect there.
type DuplicateError struct {
	Code           DuplicateCode
	ExistingTaskID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: existing task %s", e.Code, e.ExistingTaskID)
}

var (
	// ErrTaskNotFound means no task exists with the given id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTerminalStatus means the task already reached a terminal status and
	// may not be mutated further.
	ErrTerminalStatus = errors.New("task is in a terminal status")
)
