package storage

import (
	"context"
	"fmt"
	"time"

	"engagebot/domain"
	"engagebot/rategate"
)

// SaveRateCounter stores the current counter of an (account, action) pair.
func (s *Store) SaveRateCounter(ctx context.Context, accountID string, action domain.ActionType, c rategate.Counter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO rate_counters
		 (account_id, action, minute_start, minute_count, day_start, day_count, cooldown_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, string(action), toMillis(c.MinuteStart), c.MinuteCount,
		toMillis(c.DayStart), c.DayCount, optMillis(c.CooldownUntil),
	)
	if err != nil {
		return fmt.Errorf("storage: save rate counter %s/%s: %w", accountID, action, err)
	}
	return nil
}

// LoadRateCounters returns the saved counters of an account.
func (s *Store) LoadRateCounters(ctx context.Context, accountID string) (map[domain.ActionType]rategate.Counter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, minute_start, minute_count, day_start, day_count, cooldown_until
		 FROM rate_counters WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: load rate counters: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ActionType]rategate.Counter)
	for rows.Next() {
		var (
			action                      string
			minuteStart, dayStart, cool int64
			c                           rategate.Counter
		)
		if err := rows.Scan(&action, &minuteStart, &c.MinuteCount, &dayStart, &c.DayCount, &cool); err != nil {
			return nil, fmt.Errorf("storage: scan rate counter: %w", err)
		}
		c.MinuteStart = fromMillis(minuteStart)
		c.DayStart = fromMillis(dayStart)
		if cool != 0 {
			c.CooldownUntil = fromMillis(cool)
		}
		out[domain.ActionType(action)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rate counters: %w", err)
	}
	return out, nil
}

// optMillis stores the zero time as 0.
func optMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return toMillis(t)
}
