package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses. queued and running are open; the rest are terminal.
const (
	TaskQueued         = "queued"
	TaskRunning        = "running"
	TaskSucceeded      = "succeeded"
	TaskFailed         = "failed"
	TaskReviewRequired = "review_required"
	TaskCancelled      = "cancelled"
)

// ErrTaskClosed is returned when reporting on a task that already reached a
// terminal status.
var ErrTaskClosed = errors.New("storage: task already closed")

// Task is one UI step waiting for, or handled by, the driver.
type Task struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	CandidateID  string          `json:"candidate_id"`
	ActionType   string          `json:"action_type"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Open reports whether the task can still change status.
func (t *Task) Open() bool {
	return t.Status == TaskQueued || t.Status == TaskRunning
}

// ValidReportStatus reports whether a driver may report the status.
func ValidReportStatus(status string) bool {
	switch status {
	case TaskSucceeded, TaskFailed, TaskReviewRequired:
		return true
	}
	return false
}

const taskColumns = `id, account_id, candidate_id, action_type, status, payload_json, error_message, evidence_json, created_at, updated_at`

// EnqueueTask stores a new queued task and returns it with its id.
func (s *Store) EnqueueTask(ctx context.Context, accountID, candidateID, actionType string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("storage: encode task payload: %w", err)
	}
	if payload == nil {
		raw = []byte("{}")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	t := &Task{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		CandidateID: candidateID,
		ActionType:  actionType,
		Status:      TaskQueued,
		Payload:     raw,
		Evidence:    json.RawMessage("{}"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, '', '{}', ?, ?)`,
		t.ID, t.AccountID, t.CandidateID, t.ActionType, t.Status, string(t.Payload), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: enqueue task: %w", err)
	}
	return t, nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM action_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get task %q: %w", id, err)
	}
	return t, nil
}

// NextTask marks the oldest queued task of the account as running and
// returns it. It returns nil when the queue is empty.
func (s *Store) NextTask(ctx context.Context, accountID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin next task: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM action_tasks
		 WHERE account_id = ? AND status = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		accountID, TaskQueued,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: select next task: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx,
		`UPDATE action_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		TaskRunning, toMillis(now), t.ID,
	); err != nil {
		return nil, fmt.Errorf("storage: mark task %q running: %w", t.ID, err)
	}
	if err := insertAudit(ctx, tx, taskAudit(t, "action_task_dispatched", now, nil)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit next task: %w", err)
	}

	t.Status = TaskRunning
	t.UpdatedAt = now
	return t, nil
}

// ReportTask records the driver's result for a task. Reporting on a closed
// task returns ErrTaskClosed; an unknown id returns ErrNotFound.
func (s *Store) ReportTask(ctx context.Context, id, status, errorMessage string, evidence json.RawMessage) error {
	if !ValidReportStatus(status) {
		return fmt.Errorf("storage: invalid report status %q", status)
	}
	if len(evidence) == 0 {
		evidence = json.RawMessage("{}")
	}
	return s.closeTask(ctx, id, status, errorMessage, evidence, "action_task_reported")
}

// EscalateTask moves an open task to review_required.
func (s *Store) EscalateTask(ctx context.Context, id, reason string) error {
	return s.closeTask(ctx, id, TaskReviewRequired, reason, nil, "action_task_escalated")
}

// CancelTask moves an open task to cancelled.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	return s.closeTask(ctx, id, TaskCancelled, "", nil, "action_task_cancelled")
}

func (s *Store) closeTask(ctx context.Context, id, status, message string, evidence json.RawMessage, event string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin close task: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM action_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: get task %q: %w", id, err)
	}
	if !t.Open() {
		return ErrTaskClosed
	}

	if evidence == nil {
		evidence = t.Evidence
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	if _, err := tx.ExecContext(ctx,
		`UPDATE action_tasks SET status = ?, error_message = ?, evidence_json = ?, updated_at = ? WHERE id = ?`,
		status, message, string(evidence), toMillis(now), id,
	); err != nil {
		return fmt.Errorf("storage: update task %q: %w", id, err)
	}

	t.Status = status
	t.ErrorMessage = message
	if err := insertAudit(ctx, tx, taskAudit(t, event, now, evidence)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit close task: %w", err)
	}
	return nil
}

// EscalateStaleTasks moves open tasks not updated since cutoff to
// review_required and returns how many were moved.
func (s *Store) EscalateStaleTasks(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.openTaskIDs(ctx, `updated_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return s.closeEach(ids, func(id string) error {
		return s.EscalateTask(ctx, id, "stale task")
	})
}

// CancelOpenTasks cancels every queued or running task of the account. It is
// used at start-up, when no engine is waiting on them any more.
func (s *Store) CancelOpenTasks(ctx context.Context, accountID string) (int, error) {
	ids, err := s.openTaskIDs(ctx, `account_id = ?`, accountID)
	if err != nil {
		return 0, err
	}
	return s.closeEach(ids, func(id string) error {
		return s.closeTask(ctx, id, TaskCancelled, "withdrawn at start-up", nil, "action_task_cancelled")
	})
}

func (s *Store) openTaskIDs(ctx context.Context, cond string, arg any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM action_tasks WHERE status IN (?, ?) AND `+cond+` ORDER BY created_at ASC, rowid ASC`,
		TaskQueued, TaskRunning, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find open tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan open task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate open tasks: %w", err)
	}
	return ids, nil
}

// closeEach applies fn to every id, skipping tasks closed in the meantime.
func (s *Store) closeEach(ids []string, fn func(id string) error) (int, error) {
	n := 0
	for _, id := range ids {
		err := fn(id)
		if errors.Is(err, ErrTaskClosed) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM action_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate task counts: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                 Task
		payload, evidence string
		created, updated  int64
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.CandidateID, &t.ActionType, &t.Status,
		&payload, &t.ErrorMessage, &evidence, &created, &updated); err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.Evidence = json.RawMessage(evidence)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
