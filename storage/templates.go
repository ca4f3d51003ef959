package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Template is a reusable comment body. Enabled template bodies form the
// comment whitelist.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTemplate stores a new enabled template.
func (s *Store) CreateTemplate(ctx context.Context, name, body string) (*Template, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("storage: template body is empty")
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	t := &Template{
		ID:        uuid.NewString(),
		Name:      name,
		Body:      body,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comment_templates (id, name, body, enabled, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
		t.ID, t.Name, t.Body, toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: create template: %w", err)
	}
	return t, nil
}

// ListTemplates returns templates oldest first.
func (s *Store) ListTemplates(ctx context.Context, enabledOnly bool) ([]Template, error) {
	q := `SELECT id, name, body, enabled, created_at, updated_at FROM comment_templates`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t                Template
			enabled          int
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Body, &enabled, &created, &updated); err != nil {
			return nil, fmt.Errorf("storage: scan template: %w", err)
		}
		t.Enabled = enabled == 1
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate templates: %w", err)
	}
	return out, nil
}

// SetTemplateEnabled toggles a template. An unknown id returns ErrNotFound.
func (s *Store) SetTemplateEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE comment_templates SET enabled = ?, updated_at = ? WHERE id = ?`,
		v, toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update template %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnabledTemplateBodies returns the bodies of enabled templates.
func (s *Store) EnabledTemplateBodies(ctx context.Context) ([]string, error) {
	ts, err := s.ListTemplates(ctx, true)
	if err != nil {
		return nil, err
	}
	bodies := make([]string, 0, len(ts))
	for _, t := range ts {
		bodies = append(bodies, t.Body)
	}
	return bodies, nil
}
