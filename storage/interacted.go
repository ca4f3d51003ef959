package storage

import (
	"context"
	"fmt"
)

// AddInteracted remembers that the account acted on a candidate. Adding the
// same pair twice is a no-op.
func (s *Store) AddInteracted(ctx context.Context, accountID, candidateID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO interacted (account_id, candidate_id, interacted_at) VALUES (?, ?, ?)`,
		accountID, candidateID, toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("storage: add interacted %q: %w", candidateID, err)
	}
	return nil
}

// LoadInteracted returns up to limit of the account's most recent
// interacted ids, oldest first.
func (s *Store) LoadInteracted(ctx context.Context, accountID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate_id FROM (
			SELECT candidate_id, interacted_at, rowid AS r FROM interacted
			WHERE account_id = ? ORDER BY interacted_at DESC, r DESC LIMIT ?
		 ) ORDER BY interacted_at ASC, r ASC`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load interacted: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan interacted: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate interacted: %w", err)
	}
	return ids, nil
}
