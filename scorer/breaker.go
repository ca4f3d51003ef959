package scorer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"engagebot/domain"
)

// BreakerConfig trips the breaker when Failures of the last Window calls
// were transport errors, and lets a trial call through after Delay.
type BreakerConfig struct {
	Failures uint
	Window   uint
	Delay    time.Duration
}

// Breaker is a Scorer that fails fast while the endpoint is unhealthy. Only
// transport errors count as failures; parse and auth errors pass through
// without affecting the state.
type Breaker struct {
	next     Scorer
	cb       circuitbreaker.CircuitBreaker[*domain.ScoreResult]
	executor failsafe.Executor[*domain.ScoreResult]
}

// WithBreaker wraps next in a circuit breaker. onChange, when non-nil, is
// called with the new state name on every transition.
func WithBreaker(next Scorer, cfg BreakerConfig, onChange func(state string)) *Breaker {
	if cfg.Window == 0 {
		cfg.Window = 10
	}
	if cfg.Failures == 0 || cfg.Failures > cfg.Window {
		cfg.Failures = cfg.Window / 2
		if cfg.Failures == 0 {
			cfg.Failures = 1
		}
	}
	if cfg.Delay == 0 {
		cfg.Delay = 30 * time.Second
	}

	cb := circuitbreaker.NewBuilder[*domain.ScoreResult]().
		WithFailureThresholdRatio(cfg.Failures, cfg.Window).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1).
		HandleIf(func(_ *domain.ScoreResult, err error) bool {
			return KindOf(err) == KindTransport
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := stateName(event.OldState), stateName(event.NewState)
			slog.Warn("scoring circuit breaker state change", "from", from, "to", to)
			if onChange != nil {
				onChange(to)
			}
		}).
		Build()

	return &Breaker{
		next:     next,
		cb:       cb,
		executor: failsafe.With[*domain.ScoreResult](cb),
	}
}

func (b *Breaker) Score(ctx context.Context, c domain.Candidate, p Persona) (*domain.ScoreResult, error) {
	res, err := b.executor.WithContext(ctx).Get(func() (*domain.ScoreResult, error) {
		return b.next.Score(ctx, c, p)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &ScoreError{Kind: KindTransport, Err: err}
	}
	return res, err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string { return stateName(b.cb.State()) }

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
