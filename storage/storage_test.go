package storage

import (
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a Store backed by a temporary SQLite database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a clock that advances by one second on every call.
func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestNew(t *testing.T) {
	t.Run("creates database and tables", func(t *testing.T) {
		s := newTestStore(t)
		for _, table := range []string{"runs", "candidates", "action_tasks", "audit_logs", "interacted", "rate_counters", "comment_templates", "settings"} {
			if _, err := s.db.Exec("SELECT COUNT(*) FROM " + table); err != nil {
				t.Errorf("%s table missing: %v", table, err)
			}
		}
	})

	t.Run("foreign keys enforced", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.db.Exec(`INSERT INTO candidates (id, run_id, candidate_key, url, created_at) VALUES ('c', 'missing-run', 'k', 'u', 0)`)
		if err == nil {
			t.Fatal("expected foreign key violation, got nil")
		}
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "reopen.db")
		s, err := New(dbPath)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := s.SetSetting("k", "v"); err != nil {
			t.Fatalf("SetSetting: %v", err)
		}
		s.Close()

		s, err = New(dbPath)
		if err != nil {
			t.Fatalf("New (reopen): %v", err)
		}
		defer s.Close()
		val, err := s.GetSetting("k")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if val != "v" {
			t.Errorf("got %q, want %q", val, "v")
		}
	})

	t.Run("invalid path returns error", func(t *testing.T) {
		_, err := New("/nonexistent/dir/db.sqlite")
		if err == nil {
			t.Fatal("expected error for invalid path, got nil")
		}
	})
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	t.Run("missing key returns empty string", func(t *testing.T) {
		val, err := s.GetSetting("nonexistent")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if val != "" {
			t.Errorf("got %q, want empty string", val)
		}
	})

	t.Run("set and get", func(t *testing.T) {
		if err := s.SetSetting("persona_min", "0.7"); err != nil {
			t.Fatalf("SetSetting: %v", err)
		}
		val, err := s.GetSetting("persona_min")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if val != "0.7" {
			t.Errorf("got %q, want %q", val, "0.7")
		}
	})

	t.Run("overwrite existing", func(t *testing.T) {
		if err := s.SetSetting("persona_min", "0.9"); err != nil {
			t.Fatalf("SetSetting: %v", err)
		}
		val, err := s.GetSetting("persona_min")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if val != "0.9" {
			t.Errorf("got %q, want %q", val, "0.9")
		}
	})
}
