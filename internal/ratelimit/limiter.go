package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
)

// LimitCode identifies which limit rejected the request.
type LimitCode string

const (
	CodePromptTooLong    LimitCode = "prompt_too_long"
	CodeConcurrentLimit  LimitCode = "concurrent_limit"
	CodeHourlyLimit      LimitCode = "hourly_limit"
	CodeDailyCostLimit   LimitCode = "daily_cost_limit"
	CodeMonthlyCostLimit LimitCode = "monthly_cost_limit"
)

// LimitError is a validation rejection issued before any side effect.
// RetryHint is human-readable guidance on when to try again.
type LimitError struct {
	Code      LimitCode
	RetryHint string
}

func (e *LimitError) Error() string {
	if e.RetryHint == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s (retry %s)", e.Code, e.RetryHint)
}

// Limits are the per-user caps. All checks use would-exceed semantics:
// landing exactly on a cost cap passes, anything past it is rejected.
type Limits struct {
	MaxPromptLength      int
	MaxConcurrentTasks   int
	MaxTasksPerHour      int
	EstimatedCostPerTask float64
	DailyCostCap         float64
	MonthlyCostCap       float64
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPromptLength:      10000,
		MaxConcurrentTasks:   3,
		MaxTasksPerHour:      10,
		EstimatedCostPerTask: 1.17,
		DailyCostCap:         20,
		MonthlyCostCap:       200,
	}
}

// Limiter gates new task creation on per-user concurrency, hourly count,
// and daily/monthly spend.
type Limiter struct {
	limits Limits
	usage  *UsageStore
	logger *slog.Logger
}

// New creates a Limiter.
func New(limits Limits, usage *UsageStore, logger *slog.Logger) *Limiter {
	return &Limiter{limits: limits, usage: usage, logger: logger}
}

// Limits returns the configured caps.
func (l *Limiter) Limits() Limits {
	return l.limits
}

// CheckLimits returns nil when the user may start another task, or a
// *LimitError naming the first violated limit. Prompt length is checked
// before any store access; the remaining checks run in a fixed order so the
// first violation wins.
func (l *Limiter) CheckLimits(ctx context.Context, userID string, promptLength int) error {
	if promptLength > l.limits.MaxPromptLength {
		return &LimitError{Code: CodePromptTooLong}
	}

	u, err := l.usage.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load usage for %s: %w", userID, err)
	}

	if u.ConcurrentTasks >= l.limits.MaxConcurrentTasks {
		return &LimitError{Code: CodeConcurrentLimit, RetryHint: "when a task completes"}
	}
	if u.TasksThisHour >= l.limits.MaxTasksPerHour {
		return &LimitError{Code: CodeHourlyLimit, RetryHint: "in about 1 hour"}
	}
	if u.CostToday+l.limits.EstimatedCostPerTask > l.limits.DailyCostCap {
		return &LimitError{Code: CodeDailyCostLimit, RetryHint: "tomorrow"}
	}
	if u.CostThisMonth+l.limits.EstimatedCostPerTask > l.limits.MonthlyCostCap {
		return &LimitError{Code: CodeMonthlyCostLimit, RetryHint: "next month"}
	}
	return nil
}

// RecordTaskStart increments concurrency and books the estimated cost.
func (l *Limiter) RecordTaskStart(ctx context.Context, userID string) error {
	return l.usage.RecordStart(ctx, userID, l.limits.EstimatedCostPerTask)
}

// RecordTaskComplete decrements concurrency. When the actual cost is known
// it replaces the booked estimate.
func (l *Limiter) RecordTaskComplete(ctx context.Context, userID string, actualCost *float64) error {
	return l.usage.RecordComplete(ctx, userID, actualCost, l.limits.EstimatedCostPerTask)
}
