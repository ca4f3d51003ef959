package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named daily jobs at a wall-clock time in one location.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler in the given timezone.
func New(timezone string) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}

	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc), cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		location: loc,
		entries:  make(map[string]cron.EntryID),
	}, nil
}

// Location returns the scheduler's timezone.
func (s *Scheduler) Location() *time.Location { return s.location }

// Daily runs task every day at the given time (HH:MM). Scheduling a name
// again replaces its previous entry.
func (s *Scheduler) Daily(name, at string, task func()) error {
	hour, minute, err := parseTime(at)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}

	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("adding cron entry %s: %w", name, err)
	}
	s.entries[name] = id
	slog.Info("job scheduled", "job", name, "time", at, "cron", expr, "timezone", s.location.String())
	return nil
}

// Next returns the next run of a named job, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// parseTime extracts hour and minute from HH:MM format.
func parseTime(t string) (int, int, error) {
	if len(t) != 5 {
		return 0, 0, fmt.Errorf("invalid time format %q: must be HH:MM", t)
	}
	parsed, err := time.Parse("15:04", t)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", t, err)
	}
	return parsed.Hour(), parsed.Minute(), nil
}
