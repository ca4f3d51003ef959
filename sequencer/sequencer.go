package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"engagebot/domain"
)

var (
	// ErrStepFailed is returned by executors when the UI step did not take
	// effect.
	ErrStepFailed = errors.New("execution step failed")
	// ErrDriverUnavailable is returned when no driver completed the step.
	ErrDriverUnavailable = errors.New("driver unavailable")
)

// Executor performs UI steps. Calls are synchronous and must honor ctx.
type Executor interface {
	Subscribe(ctx context.Context) error
	Like(ctx context.Context) error
	Comment(ctx context.Context, text string) error
	Advance(ctx context.Context) error
}

// State of a plan execution.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateAdvancing State = "advancing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// StepResult is the outcome of one executor call.
type StepResult struct {
	Action   domain.ActionType `json:"action"`
	Err      error             `json:"-"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

func (r StepResult) OK() bool { return r.Err == nil }

// Report describes what happened to a plan.
type Report struct {
	State      State             `json:"state"`
	FailedStep domain.ActionType `json:"failed_step,omitempty"`
	Steps      []StepResult      `json:"steps"`
	Advanced   bool              `json:"advanced"`
	Cancelled  bool              `json:"cancelled"`
}

// Performed returns the interactive actions that completed.
func (r Report) Performed() domain.ActionSet {
	var s domain.ActionSet
	for _, st := range r.Steps {
		if st.OK() {
			s = s.With(st.Action)
		}
	}
	return s
}

// Range is an inclusive delay range.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Delays configures pacing.
type Delays struct {
	Step       Range
	PreAdvance Range
	Skip       Range
}

// DefaultDelays returns the standard pacing.
func DefaultDelays() Delays {
	return Delays{
		Step:       Range{Min: 0, Max: 3 * time.Second},
		PreAdvance: Range{Min: 5 * time.Second, Max: 15 * time.Second},
		Skip:       Range{Min: 3 * time.Second, Max: 6 * time.Second},
	}
}

// Config configures a Sequencer.
type Config struct {
	Delays      Delays
	StepTimeout time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sequencer executes plans step by step with randomized pauses.
type Sequencer struct {
	cfg   Config
	sleep SleepFunc

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithSleep replaces the real sleep.
func WithSleep(fn SleepFunc) Option {
	return func(s *Sequencer) { s.sleep = fn }
}

// WithRand sets the random source used for delays.
func WithRand(r *rand.Rand) Option {
	return func(s *Sequencer) { s.rng = r }
}

// New creates a Sequencer.
func New(cfg Config, opts ...Option) *Sequencer {
	s := &Sequencer{
		cfg:   cfg,
		sleep: Sleep,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sleep waits for d unless ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs the plan's interactive steps in order and then advances to
// the next video. A failed step does not stop its siblings or the advance;
// cancellation stops everything, including the advance.
func (s *Sequencer) Execute(ctx context.Context, plan domain.Plan, ex Executor) Report {
	rep := Report{State: StatePending}
	steps := plan.Steps()

	if len(steps) > 0 {
		rep.State = StateRunning
	}
	for i, action := range steps {
		if ctx.Err() != nil {
			return s.cancelled(rep, action)
		}

		res := s.runStep(ctx, action, func(ctx context.Context) error {
			switch action {
			case domain.Subscribe:
				return ex.Subscribe(ctx)
			case domain.Like:
				return ex.Like(ctx)
			case domain.Comment:
				return ex.Comment(ctx, plan.CommentText)
			}
			return fmt.Errorf("unknown action %q", action)
		})
		if res.Err != nil && ctx.Err() != nil {
			return s.cancelled(rep, action)
		}
		rep.Steps = append(rep.Steps, res)
		if res.Err != nil {
			slog.Warn("execution step failed", "candidate_id", plan.CandidateID, "action", action, "error", res.Err)
			rep.fail(action)
		}

		if i < len(steps)-1 {
			if err := s.sleep(ctx, s.pick(s.cfg.Delays.Step)); err != nil {
				return s.cancelled(rep, "")
			}
		}
	}

	if err := s.sleep(ctx, s.advanceDelay(plan, len(steps) > 0)); err != nil {
		return s.cancelled(rep, "")
	}

	if rep.State != StateFailed {
		rep.State = StateAdvancing
	}
	adv := s.runStep(ctx, domain.Advance, ex.Advance)
	if adv.Err != nil && ctx.Err() != nil {
		return s.cancelled(rep, domain.Advance)
	}
	if adv.Err != nil {
		slog.Warn("advance failed", "candidate_id", plan.CandidateID, "error", adv.Err)
		rep.fail(domain.Advance)
	} else {
		rep.Advanced = true
	}
	if rep.State != StateFailed {
		rep.State = StateDone
	}
	return rep
}

func (r *Report) fail(action domain.ActionType) {
	if r.State == StateFailed {
		return
	}
	r.State = StateFailed
	r.FailedStep = action
}

func (s *Sequencer) cancelled(rep Report, action domain.ActionType) Report {
	rep.Cancelled = true
	if action != "" {
		rep.fail(action)
	} else if rep.State != StateFailed {
		rep.State = StateFailed
	}
	return rep
}

func (s *Sequencer) runStep(ctx context.Context, action domain.ActionType, call func(context.Context) error) StepResult {
	if s.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	err := call(ctx)
	res := StepResult{Action: action, Err: err, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (s *Sequencer) advanceDelay(plan domain.Plan, interacted bool) time.Duration {
	if !interacted {
		if plan.ImmediateAdvance {
			return 0
		}
		return s.pick(s.cfg.Delays.Skip)
	}

	r := s.cfg.Delays.PreAdvance
	d := s.pick(r)
	if plan.DurationSeconds != nil && *plan.DurationSeconds > 0 {
		limit := time.Duration(*plan.DurationSeconds * 0.9 * float64(time.Second))
		d = min(d, max(limit, r.Min))
	}
	return d
}

func (s *Sequencer) pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Min + time.Duration(s.rng.Int64N(int64(r.Max-r.Min)+1))
}
