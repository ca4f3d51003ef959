package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// MaintenanceStore is the storage used by the daily maintenance job.
type MaintenanceStore interface {
	EscalateStaleTasks(ctx context.Context, cutoff time.Time) (int, error)
	SummarizeAudit(ctx context.Context, since time.Time) (map[string]int, error)
}

// MaintenanceReport is the result of one maintenance run.
type MaintenanceReport struct {
	Escalated int            `json:"escalated"`
	Since     time.Time      `json:"since"`
	Summary   map[string]int `json:"summary"`
}

// Maintenance escalates action tasks the driver abandoned and logs a
// summary of the last day's audit trail.
type Maintenance struct {
	store      MaintenanceStore
	staleAfter time.Duration
	now        func() time.Time
}

// NewMaintenance creates the job. Open tasks untouched for staleAfter are
// escalated to review.
func NewMaintenance(store MaintenanceStore, staleAfter time.Duration) *Maintenance {
	return &Maintenance{store: store, staleAfter: staleAfter, now: time.Now}
}

// Run performs one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) (MaintenanceReport, error) {
	now := m.now()
	rep := MaintenanceReport{Since: now.Add(-24 * time.Hour)}

	n, err := m.store.EscalateStaleTasks(ctx, now.Add(-m.staleAfter))
	if err != nil {
		return rep, fmt.Errorf("escalating stale tasks: %w", err)
	}
	rep.Escalated = n
	if n > 0 {
		slog.Warn("stale action tasks escalated", "count", n)
	}

	rep.Summary, err = m.store.SummarizeAudit(ctx, rep.Since)
	if err != nil {
		return rep, fmt.Errorf("summarizing audit: %w", err)
	}

	args := []any{"since", rep.Since, "escalated", rep.Escalated}
	for k, v := range rep.Summary {
		args = append(args, k, v)
	}
	slog.Info("daily audit summary", args...)
	return rep, nil
}

// Task adapts Run to a cron job.
func (m *Maintenance) Task(ctx context.Context) func() {
	return func() {
		if _, err := m.Run(ctx); err != nil {
			slog.Error("maintenance failed", "error", err)
		}
	}
}
