package rategate

import (
	"log/slog"
	"sync"
	"time"

	"engagebot/domain"
)

// Reason identifies which limit rejected an action.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonDay      Reason = "rate_limited_day"
	ReasonMinute   Reason = "rate_limited_minute"
	ReasonCooldown Reason = "cooldown_active"
)

// Decision is the result of Check or Consume. A rejection is an expected
// outcome, not an error.
type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAt is the earliest time the rejecting limit lifts.
	RetryAt time.Time
}

// Limit configures one action type. Zero values disable the corresponding
// limit.
type Limit struct {
	PerMinute int
	PerDay    int
	Cooldown  time.Duration
}

// Counter is the state of one (account, action) pair.
type Counter struct {
	MinuteStart   time.Time `json:"minute_start"`
	MinuteCount   int       `json:"minute_count"`
	DayStart      time.Time `json:"day_start"`
	DayCount      int       `json:"day_count"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

type key struct {
	account string
	action  domain.ActionType
}

// Gate enforces per-account, per-action rate limits. Windows are aligned to
// the wall clock: minute windows on minute boundaries and day windows on
// midnight in the gate's location. Counts reset when a window rolls over.
type Gate struct {
	mu       sync.Mutex
	limits   map[domain.ActionType]Limit
	counters map[key]*Counter
	now      func() time.Time
	loc      *time.Location
	persist  Persister
}

// Persister stores counters after every accepted Consume so they survive a
// restart. See Restore.
type Persister interface {
	SaveCounter(account string, action domain.ActionType, c Counter) error
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithPersister writes counters through to p.
func WithPersister(p Persister) Option {
	return func(g *Gate) { g.persist = p }
}

// WithLocation sets the timezone used for day windows.
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) { g.loc = loc }
}

// New creates a Gate with the given per-action limits.
func New(limits map[domain.ActionType]Limit, opts ...Option) *Gate {
	g := &Gate{
		limits:   make(map[domain.ActionType]Limit, len(limits)),
		counters: make(map[key]*Counter),
		now:      time.Now,
		loc:      time.UTC,
	}
	for a, l := range limits {
		g.limits[a] = l
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reports whether the action would be allowed now. It never mutates
// state and is safe for planning and previews.
func (g *Gate) Check(account string, action domain.ActionType) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	c := g.rolled(g.counters[key{account, action}], now)
	return g.evaluate(action, c, now)
}

// Consume records one performed action. It is rejected, leaving state
// unchanged, if any limit would be exceeded.
func (g *Gate) Consume(account string, action domain.ActionType) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	k := key{account, action}
	c := g.rolled(g.counters[k], now)

	d := g.evaluate(action, c, now)
	if !d.Allowed {
		return d
	}

	c.MinuteCount++
	c.DayCount++
	if l := g.limits[action]; l.Cooldown > 0 {
		c.CooldownUntil = now.Add(l.Cooldown)
	}
	g.counters[k] = &c

	if g.persist != nil {
		if err := g.persist.SaveCounter(account, action, c); err != nil {
			slog.Error("failed to persist rate counter", "account", account, "action", action, "error", err)
		}
	}
	return d
}

// Restore loads counters saved by a previous process. Windows that have
// since rolled over are reset on the next access.
func (g *Gate) Restore(account string, counters map[domain.ActionType]Counter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for action, c := range counters {
		g.counters[key{account, action}] = &c
	}
}

// Snapshot returns the current counters of an account, with windows rolled
// forward to now.
func (g *Gate) Snapshot(account string) map[domain.ActionType]Counter {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make(map[domain.ActionType]Counter)
	for k, c := range g.counters {
		if k.account != account {
			continue
		}
		out[k.action] = g.rolled(c, now)
	}
	return out
}

// Limit returns the configured limit for an action.
func (g *Gate) Limit(action domain.ActionType) Limit {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits[action]
}

// rolled returns a copy of c with expired windows reset.
func (g *Gate) rolled(c *Counter, now time.Time) Counter {
	minute := now.Truncate(time.Minute)
	day := startOfDay(now, g.loc)

	if c == nil {
		return Counter{MinuteStart: minute, DayStart: day}
	}
	out := *c
	if !out.MinuteStart.Equal(minute) {
		out.MinuteStart = minute
		out.MinuteCount = 0
	}
	if !out.DayStart.Equal(day) {
		out.DayStart = day
		out.DayCount = 0
	}
	return out
}

func (g *Gate) evaluate(action domain.ActionType, c Counter, now time.Time) Decision {
	l := g.limits[action]

	if l.PerDay > 0 && c.DayCount >= l.PerDay {
		return Decision{Reason: ReasonDay, RetryAt: c.DayStart.AddDate(0, 0, 1)}
	}
	if l.PerMinute > 0 && c.MinuteCount >= l.PerMinute {
		return Decision{Reason: ReasonMinute, RetryAt: c.MinuteStart.Add(time.Minute)}
	}
	if now.Before(c.CooldownUntil) {
		return Decision{Reason: ReasonCooldown, RetryAt: c.CooldownUntil}
	}
	return Decision{Allowed: true}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
