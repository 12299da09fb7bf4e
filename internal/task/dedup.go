package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// promptDedupWindow is how far back layer 2 looks for an identical prompt
// from the same user.
const promptDedupWindow = 5 * time.Minute

// dedupLayer is one deduplication check. Layers run in slice order inside
// the create transaction and the first hit wins, so error precedence is the
// explicit policy below rather than implicit code order.
type dedupLayer struct {
	code    DuplicateCode
	applies func(in CreateInput) bool
	lookup  func(ctx context.Context, tx *sql.Tx, in CreateInput, dedupKey string, now time.Time) (string, error)
}

var dedupLayers = []dedupLayer{
	{
		// Layer 0: retried approval-webhook deliveries are absorbed.
		code:    DuplicateApproval,
		applies: func(in CreateInput) bool { return in.ApprovalEventID != nil && *in.ApprovalEventID != "" },
		lookup: func(ctx context.Context, tx *sql.Tx, in CreateInput, _ string, _ time.Time) (string, error) {
			return queryExisting(ctx, tx,
				`SELECT id FROM code_tasks WHERE approval_event_id = ? LIMIT 1;`,
				*in.ApprovalEventID)
		},
	},
	{
		// Layer 1: same idempotency check against the source action.
		code:    DuplicateAction,
		applies: func(in CreateInput) bool { return in.ActionID != nil && *in.ActionID != "" },
		lookup: func(ctx context.Context, tx *sql.Tx, in CreateInput, _ string, _ time.Time) (string, error) {
			return queryExisting(ctx, tx,
				`SELECT id FROM code_tasks WHERE action_id = ? LIMIT 1;`,
				*in.ActionID)
		},
	},
	{
		// Layer 2: accidental double-submits of the same instruction within
		// the burst window. A different user or a later time always passes.
		code:    DuplicatePrompt,
		applies: func(in CreateInput) bool { return true },
		lookup: func(ctx context.Context, tx *sql.Tx, in CreateInput, dedupKey string, now time.Time) (string, error) {
			cutoff := now.Add(-promptDedupWindow).UTC().Format(timeLayout)
			return queryExisting(ctx, tx,
				`SELECT id FROM code_tasks WHERE user_id = ? AND dedup_key = ? AND created_at >= ? LIMIT 1;`,
				in.UserID, dedupKey, cutoff)
		},
	},
	{
		// Layer 3: single-flight per tracked issue. Only non-terminal tasks
		// hold the lock.
		code:    ActiveTaskExists,
		applies: func(in CreateInput) bool { return in.LinearIssueID != nil && *in.LinearIssueID != "" },
		lookup: func(ctx context.Context, tx *sql.Tx, in CreateInput, _ string, _ time.Time) (string, error) {
			return queryExisting(ctx, tx,
				`SELECT id FROM code_tasks WHERE linear_issue_id = ? AND status IN (?, ?, ?) LIMIT 1;`,
				*in.LinearIssueID, StatusDispatched, StatusRunning, StatusInterrupted)
		},
	},
}

func queryExisting(ctx context.Context, tx *sql.Tx, query string, args ...any) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}
	return id, nil
}
