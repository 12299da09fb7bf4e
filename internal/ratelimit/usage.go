package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Usage is a user's rolling counters row. Windows reset implicitly when the
// stored window-start is stale: the hour window rolls 60 minutes after it
// opened, the day and month windows roll on UTC calendar boundaries.
type Usage struct {
	UserID          string
	ConcurrentTasks int
	TasksThisHour   int
	HourStartedAt   time.Time
	CostToday       float64
	DayStartedAt    time.Time
	CostThisMonth   float64
	MonthStartedAt  time.Time
	UpdatedAt       time.Time
}

// UsageStore persists per-user usage counters in SQLite.
type UsageStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUsageStore creates a UsageStore.
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db, now: time.Now}
}

// WithClock overrides the store's time source. Intended for tests.
func (s *UsageStore) WithClock(now func() time.Time) *UsageStore {
	s.now = now
	return s
}

// Get loads usage for a user with stale windows already rolled over. A user
// with no row yet gets zeroed counters.
func (s *UsageStore) Get(ctx context.Context, userID string) (*Usage, error) {
	u, err := s.load(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	s.rollWindows(u)
	return u, nil
}

// RecordStart books one task start: concurrency and hourly count go up and
// the estimated cost is charged to the day and month windows.
func (s *UsageStore) RecordStart(ctx context.Context, userID string, estimatedCost float64) error {
	return s.mutate(ctx, userID, func(u *Usage) {
		u.ConcurrentTasks++
		u.TasksThisHour++
		u.CostToday += estimatedCost
		u.CostThisMonth += estimatedCost
	})
}

// RecordComplete releases one concurrency slot. When the actual cost is
// known it replaces the booked estimate in both cost windows.
func (s *UsageStore) RecordComplete(ctx context.Context, userID string, actualCost *float64, estimatedCost float64) error {
	return s.mutate(ctx, userID, func(u *Usage) {
		if u.ConcurrentTasks > 0 {
			u.ConcurrentTasks--
		}
		if actualCost != nil {
			delta := *actualCost - estimatedCost
			u.CostToday += delta
			u.CostThisMonth += delta
			if u.CostToday < 0 {
				u.CostToday = 0
			}
			if u.CostThisMonth < 0 {
				u.CostThisMonth = 0
			}
		}
	})
}

func (s *UsageStore) mutate(ctx context.Context, userID string, apply func(*Usage)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u, err := s.load(ctx, tx, userID)
	if err != nil {
		return err
	}
	s.rollWindows(u)
	apply(u)
	u.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
INSERT INTO user_usage(
  user_id, concurrent_tasks, tasks_this_hour, hour_started_at,
  cost_today, day_started_at, cost_this_month, month_started_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  concurrent_tasks = excluded.concurrent_tasks,
  tasks_this_hour  = excluded.tasks_this_hour,
  hour_started_at  = excluded.hour_started_at,
  cost_today       = excluded.cost_today,
  day_started_at   = excluded.day_started_at,
  cost_this_month  = excluded.cost_this_month,
  month_started_at = excluded.month_started_at,
  updated_at       = excluded.updated_at;
`,
		u.UserID, u.ConcurrentTasks, u.TasksThisHour, u.HourStartedAt.Format(time.RFC3339Nano),
		u.CostToday, u.DayStartedAt.Format(time.RFC3339Nano),
		u.CostThisMonth, u.MonthStartedAt.Format(time.RFC3339Nano),
		u.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *UsageStore) load(ctx context.Context, q querier, userID string) (*Usage, error) {
	var (
		u                             Usage
		hourS, dayS, monthS, updatedS string
	)
	err := q.QueryRowContext(ctx, `
SELECT user_id, concurrent_tasks, tasks_this_hour, hour_started_at,
       cost_today, day_started_at, cost_this_month, month_started_at, updated_at
FROM user_usage WHERE user_id = ?;
`, userID).Scan(
		&u.UserID, &u.ConcurrentTasks, &u.TasksThisHour, &hourS,
		&u.CostToday, &dayS, &u.CostThisMonth, &monthS, &updatedS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		now := s.now().UTC()
		return &Usage{
			UserID:         userID,
			HourStartedAt:  now,
			DayStartedAt:   now,
			MonthStartedAt: now,
			UpdatedAt:      now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}

	u.HourStartedAt = parseTime(hourS)
	u.DayStartedAt = parseTime(dayS)
	u.MonthStartedAt = parseTime(monthS)
	u.UpdatedAt = parseTime(updatedS)
	return &u, nil
}

// rollWindows zeroes counters whose window has lapsed.
func (s *UsageStore) rollWindows(u *Usage) {
	now := s.now().UTC()
	if now.Sub(u.HourStartedAt) >= time.Hour {
		u.TasksThisHour = 0
		u.HourStartedAt = now
	}
	ny, nm, nd := now.Date()
	dy, dm, dd := u.DayStartedAt.UTC().Date()
	if ny != dy || nm != dm || nd != dd {
		u.CostToday = 0
		u.DayStartedAt = now
	}
	my, mm, _ := u.MonthStartedAt.UTC().Date()
	if ny != my || nm != mm {
		u.CostThisMonth = 0
		u.MonthStartedAt = now
	}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
