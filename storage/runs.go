package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run groups the candidates submitted by one extraction pass.
type Run struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Candidate is a stored intake item.
type Candidate struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	CandidateKey    string    `json:"candidate_id"`
	Source          string    `json:"source"`
	URL             string    `json:"url"`
	VideoID         string    `json:"video_id,omitempty"`
	AuthorName      string    `json:"author_name,omitempty"`
	Title           string    `json:"title,omitempty"`
	RawText         string    `json:"raw_text,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateRun starts a new run.
func (s *Store) CreateRun(ctx context.Context, label string) (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		Label:     label,
		Status:    "running",
		StartedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, label, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Label, r.Status, toMillis(r.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: create run: %w", err)
	}
	return r, nil
}

// GetRun returns the run with the given id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r       Run
		started int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, label, status, started_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Label, &r.Status, &started)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get run %q: %w", id, err)
	}
	r.StartedAt = fromMillis(started)
	return &r, nil
}

// InsertCandidates stores items under a run. Items whose URL already exists
// in the run are ignored. It returns the newly inserted candidates and the
// candidate keys of every item, in input order.
func (s *Store) InsertCandidates(ctx context.Context, runID string, items []Candidate) (inserted []Candidate, keys []string, err error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: begin insert candidates: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Truncate(time.Millisecond)
	for _, c := range items {
		c.ID = uuid.NewString()
		c.RunID = runID
		c.CreatedAt = now

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO candidates
			 (id, run_id, candidate_key, source, url, video_id, author_name, title, raw_text, duration_seconds, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.RunID, c.CandidateKey, c.Source, c.URL, c.VideoID, c.AuthorName, c.Title, c.RawText, c.DurationSeconds, toMillis(now),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: insert candidate %q: %w", c.URL, err)
		}
		keys = append(keys, c.CandidateKey)
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, c)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("storage: commit candidates: %w", err)
	}
	return inserted, keys, nil
}

// CountCandidates returns the number of stored candidates.
func (s *Store) CountCandidates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count candidates: %w", err)
	}
	return n, nil
}
