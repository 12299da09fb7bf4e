package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskforge/codetaskd/internal/worker"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano trims
// trailing fractional zeros, which would break the lexicographic ordering the
// prompt-window and stale-task queries rely on ("…:00.5Z" sorts after
// "…:00.52Z"). Parsing still uses RFC3339Nano, which accepts any fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists CodeTasks in SQLite. Concurrency correctness comes from the
// store's transaction guarantees, not in-process locking: the four dedup
// checks and the insert run in a single transaction so two racing creations
// for the same key cannot both succeed.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the store's time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

const taskColumns = `
  id, user_id, prompt, sanitized_prompt, system_prompt_hash,
  worker_type, worker_location, repository, base_branch, trace_id,
  action_id, approval_event_id, linear_issue_id, linear_issue_title, linear_fallback,
  status, callback_received, dedup_key,
  cancel_nonce, cancel_nonce_expires_at,
  error_code, error_message,
  result_branch, result_commits, result_summary, result_pr_url,
  status_phase, status_message, status_progress, status_updated_at,
  dispatched_at, created_at, updated_at, completed_at`

// Create runs the dedup layers and, when all pass, persists a new task with
// status "dispatched". A dedup hit returns *DuplicateError carrying the
// existing task id; any other failure is a store error.
func (s *Store) Create(ctx context.Context, in CreateInput) (*CodeTask, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("user_id is empty")
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	sanitized := in.SanitizedPrompt
	if sanitized == "" {
		sanitized = SanitizePrompt(in.Prompt)
	}
	dedupKey := DedupKey(sanitized)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, layer := range dedupLayers {
		if !layer.applies(in) {
			continue
		}
		existing, err := layer.lookup(ctx, tx, in, dedupKey, now)
		if err != nil {
			return nil, err
		}
		if existing != "" {
			return nil, &DuplicateError{Code: layer.code, ExistingTaskID: existing}
		}
	}

	t := &CodeTask{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Prompt:           in.Prompt,
		SanitizedPrompt:  sanitized,
		SystemPromptHash: in.SystemPromptHash,
		WorkerType:       in.WorkerType,
		WorkerLocation:   in.WorkerLocation,
		Repository:       in.Repository,
		BaseBranch:       in.BaseBranch,
		TraceID:          in.TraceID,
		ActionID:         in.ActionID,
		ApprovalEventID:  in.ApprovalEventID,
		LinearIssueID:    in.LinearIssueID,
		LinearIssueTitle: in.LinearIssueTitle,
		LinearFallback:   in.LinearFallback,
		Status:           StatusDispatched,
		DedupKey:         dedupKey,
		DispatchedAt:     &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	nowS := now.Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
INSERT INTO code_tasks(
  id, user_id, prompt, sanitized_prompt, system_prompt_hash,
  worker_type, worker_location, repository, base_branch, trace_id,
  action_id, approval_event_id, linear_issue_id, linear_issue_title, linear_fallback,
  status, callback_received, dedup_key, dispatched_at, created_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
`,
		t.ID, t.UserID, t.Prompt, t.SanitizedPrompt, t.SystemPromptHash,
		string(t.WorkerType), string(t.WorkerLocation), t.Repository, t.BaseBranch, t.TraceID,
		t.ActionID, t.ApprovalEventID, t.LinearIssueID, t.LinearIssueTitle, boolInt(t.LinearFallback),
		string(t.Status), t.DedupKey, nowS, nowS, nowS,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return t, nil
}

// GetByID loads a single task. Returns ErrTaskNotFound if it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*CodeTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM code_tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

// AssignWorker records the worker location actually selected for the task.
func (s *Store) AssignWorker(ctx context.Context, id string, loc worker.Location) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET worker_location = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?);
`, string(loc), nowS, id, StatusDispatched, StatusRunning)
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// RecordDispatchFailure marks a task failed with the dispatcher's error. The
// row remains for audit; the task is not retried.
func (s *Store) RecordDispatchFailure(ctx context.Context, id, code, message string) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, error_code = ?, error_message = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND status NOT IN (?, ?, ?);
`, StatusFailed, code, message, nowS, nowS, id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("record dispatch failure: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// IssueCancelNonce stores a fresh cancellation token on an active task.
func (s *Store) IssueCancelNonce(ctx context.Context, id, nonce string, expiresAt time.Time) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET cancel_nonce = ?, cancel_nonce_expires_at = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?);
`, nonce, expiresAt.UTC().Format(timeLayout), nowS, id, StatusDispatched, StatusRunning)
	if err != nil {
		return fmt.Errorf("issue cancel nonce: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// Cancel transitions an active task to cancelled and consumes the nonce:
// both token and expiry are cleared in the same write.
func (s *Store) Cancel(ctx context.Context, id string) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, cancel_nonce = NULL, cancel_nonce_expires_at = NULL, updated_at = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?);
`, StatusCancelled, nowS, nowS, id, StatusDispatched, StatusRunning)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// MarkInterrupted transitions a stale active task to interrupted.
func (s *Store) MarkInterrupted(ctx context.Context, id string) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?);
`, StatusInterrupted, nowS, id, StatusDispatched, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark interrupted: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// ApplyStatusSummary records a progress heartbeat from the worker. A task
// still in dispatched moves to running on its first heartbeat.
func (s *Store) ApplyStatusSummary(ctx context.Context, id, phase, message string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, callback_received = 1,
    status_phase = ?, status_message = ?, status_progress = ?, status_updated_at = ?,
    updated_at = ?
WHERE id = ? AND status IN (?, ?);
`, StatusRunning, phase, message, progress, nowS, nowS, id, StatusDispatched, StatusRunning)
	if err != nil {
		return fmt.Errorf("apply status summary: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// Complete records a successful result from the worker.
func (s *Store) Complete(ctx context.Context, id string, result *Result) error {
	nowS := s.now().UTC().Format(timeLayout)
	var branch, summary, prURL any
	var commits any
	if result != nil {
		branch, summary, prURL = result.Branch, result.Summary, result.PRURL
		commits = result.Commits
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, callback_received = 1,
    result_branch = ?, result_commits = ?, result_summary = ?, result_pr_url = ?,
    cancel_nonce = NULL, cancel_nonce_expires_at = NULL,
    updated_at = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?, ?);
`, StatusCompleted, branch, commits, summary, prURL, nowS, nowS,
		id, StatusDispatched, StatusRunning, StatusInterrupted)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// Fail records a failure reported by the worker.
func (s *Store) Fail(ctx context.Context, id string, taskErr Error) error {
	nowS := s.now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
UPDATE code_tasks
SET status = ?, callback_received = 1, error_code = ?, error_message = ?,
    cancel_nonce = NULL, cancel_nonce_expires_at = NULL,
    updated_at = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?, ?);
`, StatusFailed, taskErr.Code, taskErr.Message, nowS, nowS,
		id, StatusDispatched, StatusRunning, StatusInterrupted)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return s.checkMutated(ctx, res, id)
}

// FindStale returns active tasks whose last update is older than threshold.
// An empty result is normal.
func (s *Store) FindStale(ctx context.Context, threshold time.Duration) ([]*CodeTask, error) {
	cutoff := s.now().UTC().Add(-threshold).Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM code_tasks
WHERE status IN (?, ?) AND updated_at < ?
ORDER BY updated_at ASC;
`, StatusDispatched, StatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale tasks: %w", err)
	}
	defer rows.Close()

	var stale []*CodeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		stale = append(stale, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return stale, nil
}

// checkMutated translates a zero-row update into the precise error: the task
// is either missing or already terminal.
func (s *Store) checkMutated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM code_tasks WHERE id = ?;`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("load task status: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrTerminalStatus, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*CodeTask, error) {
	var (
		t                    CodeTask
		workerType           string
		workerLocation       string
		systemPromptHash     sql.NullString
		repository           sql.NullString
		baseBranch           sql.NullString
		traceID              sql.NullString
		actionID             sql.NullString
		approvalEventID      sql.NullString
		linearIssueID        sql.NullString
		linearIssueTitle     sql.NullString
		linearFallback       int
		statusS              string
		callbackReceived     int
		cancelNonce          sql.NullString
		cancelNonceExpiresAt sql.NullString
		errorCode            sql.NullString
		errorMessage         sql.NullString
		resultBranch         sql.NullString
		resultCommits        sql.NullInt64
		resultSummary        sql.NullString
		resultPRURL          sql.NullString
		statusPhase          sql.NullString
		statusMessage        sql.NullString
		statusProgress       sql.NullInt64
		statusUpdatedAtS     sql.NullString
		dispatchedAtS        sql.NullString
		createdAtS           string
		updatedAtS           string
		completedAtS         sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.UserID, &t.Prompt, &t.SanitizedPrompt, &systemPromptHash,
		&workerType, &workerLocation, &repository, &baseBranch, &traceID,
		&actionID, &approvalEventID, &linearIssueID, &linearIssueTitle, &linearFallback,
		&statusS, &callbackReceived, &t.DedupKey,
		&cancelNonce, &cancelNonceExpiresAt,
		&errorCode, &errorMessage,
		&resultBranch, &resultCommits, &resultSummary, &resultPRURL,
		&statusPhase, &statusMessage, &statusProgress, &statusUpdatedAtS,
		&dispatchedAtS, &createdAtS, &updatedAtS, &completedAtS,
	)
	if err != nil {
		return nil, err
	}

	t.WorkerType = WorkerType(workerType)
	t.WorkerLocation = worker.Location(workerLocation)
	t.Status = Status(statusS)
	t.LinearFallback = linearFallback != 0
	t.CallbackReceived = callbackReceived != 0
	t.SystemPromptHash = systemPromptHash.String
	t.Repository = repository.String
	t.BaseBranch = baseBranch.String
	t.TraceID = traceID.String

	if actionID.Valid {
		t.ActionID = &actionID.String
	}
	if approvalEventID.Valid {
		t.ApprovalEventID = &approvalEventID.String
	}
	if linearIssueID.Valid {
		t.LinearIssueID = &linearIssueID.String
	}
	if linearIssueTitle.Valid {
		t.LinearIssueTitle = &linearIssueTitle.String
	}
	if cancelNonce.Valid {
		t.CancelNonce = &cancelNonce.String
	}
	if cancelNonceExpiresAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, cancelNonceExpiresAt.String); err == nil {
			t.CancelNonceExpiresAt = &ts
		}
	}
	if errorCode.Valid || errorMessage.Valid {
		t.Error = &Error{Code: errorCode.String, Message: errorMessage.String}
	}
	if resultBranch.Valid || resultSummary.Valid || resultPRURL.Valid || resultCommits.Valid {
		t.Result = &Result{
			Branch:  resultBranch.String,
			Commits: int(resultCommits.Int64),
			Summary: resultSummary.String,
			PRURL:   resultPRURL.String,
		}
	}
	if statusPhase.Valid {
		summary := &StatusSummary{
			Phase:    statusPhase.String,
			Message:  statusMessage.String,
			Progress: int(statusProgress.Int64),
		}
		if statusUpdatedAtS.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, statusUpdatedAtS.String); err == nil {
				summary.UpdatedAt = ts
			}
		}
		t.StatusSummary = summary
	}
	if dispatchedAtS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, dispatchedAtS.String); err == nil {
			t.DispatchedAt = &ts
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		t.UpdatedAt = ts
	}
	if completedAtS.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			t.CompletedAt = &ts
		}
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
