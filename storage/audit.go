package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"engagebot/audit"
	"engagebot/domain"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append stores an audit record. It implements audit.Log.
func (s *Store) Append(ctx context.Context, r audit.Record) error {
	return insertAudit(ctx, s.db, audit.Stamp(r, s.now()))
}

func insertAudit(ctx context.Context, db execer, r audit.Record) error {
	r = audit.Stamp(r, time.Now())
	detail := []byte("{}")
	if r.Detail != nil {
		var err error
		if detail, err = json.Marshal(r.Detail); err != nil {
			return fmt.Errorf("storage: encode audit detail: %w", err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, ts, account_id, candidate_id, stage, outcome, action, reason, detail_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, toMillis(r.Timestamp), r.AccountID, r.CandidateID, string(r.Stage), r.Outcome, string(r.Action), r.Reason, string(detail),
	)
	if err != nil {
		return fmt.Errorf("storage: append audit %s/%s: %w", r.Stage, r.Outcome, err)
	}
	return nil
}

// AuditFilter narrows ListAudit. Zero values match everything.
type AuditFilter struct {
	CandidateID string
	Stage       audit.Stage
	Since       time.Time
	Limit       int
}

// ListAudit returns audit records, newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.CandidateID != "" {
		where = append(where, "candidate_id = ?")
		args = append(args, f.CandidateID)
	}
	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(f.Stage))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toMillis(f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT id, ts, account_id, candidate_id, stage, outcome, action, reason, detail_json FROM audit_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r             audit.Record
			ts            int64
			stage, action string
			detail        string
		)
		if err := rows.Scan(&r.ID, &ts, &r.AccountID, &r.CandidateID, &stage, &r.Outcome, &action, &r.Reason, &detail); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		r.Timestamp = fromMillis(ts)
		r.Stage = audit.Stage(stage)
		r.Action = domain.ActionType(action)
		if detail != "" && detail != "{}" && detail != "null" {
			if err := json.Unmarshal([]byte(detail), &r.Detail); err != nil {
				return nil, fmt.Errorf("storage: decode audit detail %q: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit: %w", err)
	}
	return out, nil
}

// SummarizeAudit counts records since the given time, keyed by
// "stage/outcome".
func (s *Store) SummarizeAudit(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, outcome, COUNT(*) FROM audit_logs WHERE ts >= ? GROUP BY stage, outcome`,
		toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: summarize audit: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			stage, outcome string
			n              int
		)
		if err := rows.Scan(&stage, &outcome, &n); err != nil {
			return nil, fmt.Errorf("storage: scan audit summary: %w", err)
		}
		out[stage+"/"+outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit summary: %w", err)
	}
	return out, nil
}

func taskAudit(t *Task, event string, now time.Time, evidence json.RawMessage) audit.Record {
	detail := map[string]any{"event": event, "task_id": t.ID, "status": t.Status}
	if t.ErrorMessage != "" {
		detail["error_message"] = t.ErrorMessage
	}
	if len(evidence) > 0 && string(evidence) != "{}" {
		detail["evidence"] = evidence
	}
	outcome := audit.OutcomeOK
	switch t.Status {
	case TaskFailed, TaskReviewRequired:
		outcome = audit.OutcomeFailed
	case TaskCancelled:
		outcome = audit.OutcomeSkip
	}
	return audit.Record{
		Timestamp:   now,
		AccountID:   t.AccountID,
		CandidateID: t.CandidateID,
		Stage:       audit.StageTask,
		Outcome:     outcome,
		Action:      domain.ActionType(t.ActionType),
		Reason:      event,
		Detail:      detail,
	}
}
