package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"engagebot/audit"
	"engagebot/domain"
	"engagebot/policy"
	"engagebot/rategate"
	"engagebot/scorer"
	"engagebot/sequencer"
)

// Scorer asks the model about a candidate.
type Scorer interface {
	Score(ctx context.Context, c domain.Candidate, p scorer.Persona) (*domain.ScoreResult, error)
}

// Gate enforces rate limits.
type Gate interface {
	Check(account string, action domain.ActionType) rategate.Decision
	Consume(account string, action domain.ActionType) rategate.Decision
}

// Sequencer executes a plan against an executor.
type Sequencer interface {
	Execute(ctx context.Context, plan domain.Plan, ex sequencer.Executor) sequencer.Report
}

// ExecutorFactory binds an executor to one candidate.
type ExecutorFactory interface {
	For(c domain.Candidate) sequencer.Executor
}

// InteractedStore persists the interacted set.
type InteractedStore interface {
	AddInteracted(ctx context.Context, accountID, candidateID string) error
}

// StatusSink receives outcome updates as candidates move through Handle.
type StatusSink interface {
	Publish(o Outcome)
}

// ScoringObserver records scoring latency. kind is "" on success.
type ScoringObserver interface {
	ObserveScoring(d time.Duration, kind string)
}

// Status values of an Outcome.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusSkip       = "skip"
	StatusError      = "error"
)

// Outcome summarizes what happened to one candidate.
type Outcome struct {
	CandidateID string            `json:"candidate_id"`
	Status      string            `json:"status"`
	Reason      string            `json:"reason"`
	SkipReason  domain.SkipReason `json:"skip_reason,omitempty"`
	Plan        *domain.Plan      `json:"plan,omitempty"`
	Report      *sequencer.Report `json:"report,omitempty"`
	Performed   domain.ActionSet  `json:"performed"`
	At          time.Time         `json:"at"`
}

// Config holds the engine settings that can change at runtime.
type Config struct {
	AccountID      string
	Persona        scorer.Persona
	Rules          policy.Rules
	SkipInteracted bool
	// Topics admits only candidates on topic. Empty admits all.
	Topics         policy.Topics
	ScoringTimeout time.Duration
	// ImmediateAdvanceReasons lists skip reasons that advance without the
	// skip delay.
	ImmediateAdvanceReasons []domain.SkipReason
}

// Deps are the collaborators of an Engine. Interacted, Sink and Scoring are
// optional. Executors, when set, takes precedence over Executor.
type Deps struct {
	Scorer     Scorer
	Gate       Gate
	Filter     policy.CommentFilter
	Sequencer  Sequencer
	Executor   sequencer.Executor
	Executors  ExecutorFactory
	Audit      audit.Log
	Interacted InteractedStore
	Sink       StatusSink
	Scoring    ScoringObserver
}

// Counters are running totals since start-up.
type Counters struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	AccountID  string   `json:"account_id"`
	Last       *Outcome `json:"last,omitempty"`
	Counters   Counters `json:"counters"`
	Interacted int      `json:"interacted"`
}

// Engine decides and dispatches interactions for one account. Handle is not
// safe for concurrent use; Run serializes candidates.
type Engine struct {
	deps       Deps
	interacted *InteractedSet
	now        func() time.Time

	mu       sync.RWMutex
	config   Config
	last     *Outcome
	counters Counters
}

// New creates an Engine. The interacted set starts empty; use Seed to load
// persisted ids.
func New(deps Deps, cfg Config, capacity int) *Engine {
	return &Engine{
		deps:       deps,
		interacted: NewInteractedSet(capacity),
		now:        time.Now,
		config:     cfg,
	}
}

// Seed loads previously interacted ids, oldest first.
func (e *Engine) Seed(ids []string) {
	for _, id := range ids {
		e.interacted.Add(id)
	}
}

// UpdateConfig replaces the runtime configuration. It takes effect from the
// next candidate.
func (e *Engine) UpdateConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
}

// Config returns the current runtime configuration.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// Status returns counters and the last outcome.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		AccountID:  e.config.AccountID,
		Counters:   e.counters,
		Interacted: e.interacted.Len(),
	}
	if e.last != nil {
		last := *e.last
		st.Last = &last
	}
	return st
}

// Run handles candidates from in until it is closed or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, in <-chan domain.Candidate) error {
	slog.Info("engine started", "account_id", e.Config().AccountID)
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				slog.Info("intake closed, engine stopping")
				return nil
			}
			e.Handle(ctx, c)
		}
	}
}

// Handle takes one candidate through gating, scoring, planning and
// execution. It never panics; failures are reported in the outcome.
func (e *Engine) Handle(ctx context.Context, c domain.Candidate) (out Outcome) {
	cfg := e.Config()
	account := cfg.AccountID

	e.publish(Outcome{CandidateID: c.ID, Status: StatusProcessing, Reason: "evaluating"})

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling candidate", "candidate_id", c.ID, "panic", r)
			out = Outcome{CandidateID: c.ID, Status: StatusError, Reason: fmt.Sprintf("internal error: %v", r)}
		}
		out.At = e.now()
		e.finish(out)
	}()

	e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageExtracted, Outcome: audit.OutcomeOK,
		Detail: map[string]any{"title": c.Title, "url": c.SourceURL}})

	if !c.HasMinimumSignal() {
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageEligible, Outcome: audit.OutcomeSkip,
			Reason: string(domain.SkipExtractionInsufficient)})
		return skipped(c.ID, domain.SkipExtractionInsufficient, "no title extracted")
	}

	if cfg.SkipInteracted && e.interacted.Contains(c.ID) {
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageEligible, Outcome: audit.OutcomeSkip,
			Reason: string(domain.SkipAlreadyInteracted)})
		return skipped(c.ID, domain.SkipAlreadyInteracted, "already interacted with this video")
	}

	if ok, kw := cfg.Topics.Match(c); !ok {
		r := audit.Record{Stage: audit.StageEligible, Outcome: audit.OutcomeSkip, Reason: string(domain.SkipTopicMismatch)}
		reason := "no topic keyword matched"
		if kw != "" {
			r.Detail = map[string]any{"excluded_keyword": kw}
			reason = fmt.Sprintf("excluded keyword %q matched", kw)
		}
		e.record(ctx, account, c.ID, r)
		return skipped(c.ID, domain.SkipTopicMismatch, reason)
	}

	if d := e.deps.Gate.Check(account, domain.Like); d.Reason == rategate.ReasonDay {
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageEligible, Outcome: audit.OutcomeSkip,
			Reason: string(domain.SkipDailyLimit), Detail: map[string]any{"retry_at": d.RetryAt}})
		return skipped(c.ID, domain.SkipDailyLimit, "daily interaction limit reached")
	}

	e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageEligible, Outcome: audit.OutcomeOK})

	score, err := e.score(ctx, c, cfg)
	if err != nil {
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageScored, Outcome: audit.OutcomeFailed,
			Reason: string(scorer.KindOf(err)), Detail: map[string]any{"error": err.Error()}})
		plan := domain.Plan{CandidateID: c.ID, SkipReason: domain.SkipScoringFailed, DurationSeconds: c.DurationSeconds}
		return e.advanceOnly(ctx, account, c, plan, cfg, fmt.Sprintf("scoring failed: %v", err))
	}

	e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageScored, Outcome: audit.OutcomeOK,
		Reason: score.Reason, Detail: map[string]any{
			"real_human_score":          score.RealHuman,
			"persona_consistency_score": score.PersonaConsistency,
			"follow_back_score":         score.FollowBack,
			"should_interact":           score.ShouldInteract,
			"flags":                     score.Flags,
		}})

	resolver := policy.Resolver{Rules: cfg.Rules, Filter: e.deps.Filter}
	plan := resolver.Resolve(*score)
	plan.DurationSeconds = c.DurationSeconds

	if plan.Downgrade != nil {
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StagePlanned, Outcome: audit.OutcomeDowngrade,
			Action: domain.Comment, Reason: plan.Downgrade.Reason,
			Detail: map[string]any{"violations": plan.Downgrade.Violations}})
	}
	e.record(ctx, account, c.ID, audit.Record{Stage: audit.StagePlanned, Outcome: planOutcome(plan),
		Reason: string(plan.SkipReason), Detail: map[string]any{"actions": plan.Actions}})

	if plan.IsSkip() {
		reason := "model declined to interact"
		if plan.SkipReason == domain.SkipNoActions {
			reason = "no actions left after rules"
		}
		return e.advanceOnly(ctx, account, c, plan, cfg, reason)
	}

	for _, a := range plan.Steps() {
		d := e.deps.Gate.Check(account, a)
		if d.Allowed {
			continue
		}
		plan = plan.Without(a)
		e.record(ctx, account, c.ID, audit.Record{Stage: audit.StageGated, Outcome: audit.OutcomeRejected,
			Action: a, Reason: string(d.Reason), Detail: map[string]any{"retry_at": d.RetryAt}})
	}
	if plan.IsSkip() {
		plan.SkipReason = domain.SkipRateLimited
		return e.advanceOnly(ctx, account, c, plan, cfg, "all actions rate limited")
	}

	rep := e.deps.Sequencer.Execute(ctx, plan, e.executorFor(c))
	e.recordReport(ctx, account, c.ID, rep)

	performed := rep.Performed()
	for _, a := range performed.Actions() {
		if d := e.deps.Gate.Consume(account, a); !d.Allowed {
			slog.Warn("performed action exceeded its limit", "candidate_id", c.ID, "action", a, "reason", d.Reason)
		}
	}

	if !performed.Empty() {
		e.interacted.Add(c.ID)
		if e.deps.Interacted != nil {
			if err := e.deps.Interacted.AddInteracted(ctx, account, c.ID); err != nil {
				slog.Error("failed to persist interacted id", "candidate_id", c.ID, "error", err)
			}
		}
	}

	out = Outcome{CandidateID: c.ID, Plan: &plan, Report: &rep, Performed: performed}
	switch {
	case rep.Cancelled:
		out.Status, out.Reason = StatusError, "cancelled"
	case performed.Empty():
		out.Status, out.Reason = StatusError, fmt.Sprintf("all steps failed (first: %s)", rep.FailedStep)
	case rep.State == sequencer.StateFailed:
		out.Status, out.Reason = StatusSuccess, fmt.Sprintf("performed %s, %s failed", performed, rep.FailedStep)
	default:
		out.Status, out.Reason = StatusSuccess, fmt.Sprintf("performed %s", performed)
	}
	return out
}

// Preview scores and plans a candidate without executing or consuming
// anything.
func (e *Engine) Preview(ctx context.Context, c domain.Candidate) (*domain.ScoreResult, domain.Plan, error) {
	cfg := e.Config()
	if ok, _ := cfg.Topics.Match(c); !ok {
		return nil, domain.Plan{CandidateID: c.ID, SkipReason: domain.SkipTopicMismatch}, nil
	}
	score, err := e.score(ctx, c, cfg)
	if err != nil {
		return nil, domain.Plan{CandidateID: c.ID, SkipReason: domain.SkipScoringFailed}, err
	}
	plan := policy.Resolver{Rules: cfg.Rules, Filter: e.deps.Filter}.Resolve(*score)
	plan.DurationSeconds = c.DurationSeconds
	for _, a := range plan.Steps() {
		if !e.deps.Gate.Check(cfg.AccountID, a).Allowed {
			plan = plan.Without(a)
		}
	}
	if plan.IsSkip() && plan.SkipReason == "" {
		plan.SkipReason = domain.SkipRateLimited
	}
	return score, plan, nil
}

func (e *Engine) score(ctx context.Context, c domain.Candidate, cfg Config) (*domain.ScoreResult, error) {
	if cfg.ScoringTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ScoringTimeout)
		defer cancel()
	}

	start := e.now()
	res, err := e.deps.Scorer.Score(ctx, c, cfg.Persona)
	if e.deps.Scoring != nil {
		e.deps.Scoring.ObserveScoring(e.now().Sub(start), string(scorer.KindOf(err)))
	}
	if err != nil {
		var se *scorer.ScoreError
		if !errors.As(err, &se) {
			err = &scorer.ScoreError{Kind: scorer.KindTransport, Err: err}
		}
		slog.Warn("scoring failed", "candidate_id", c.ID, "error", err)
		return nil, err
	}
	res.CandidateID = c.ID
	return res, nil
}

func (e *Engine) advanceOnly(ctx context.Context, account string, c domain.Candidate, plan domain.Plan, cfg Config, reason string) Outcome {
	plan.ImmediateAdvance = slices.Contains(cfg.ImmediateAdvanceReasons, plan.SkipReason)

	rep := e.deps.Sequencer.Execute(ctx, plan, e.executorFor(c))
	e.recordReport(ctx, account, plan.CandidateID, rep)

	out := skipped(plan.CandidateID, plan.SkipReason, reason)
	out.Plan = &plan
	out.Report = &rep
	return out
}

func (e *Engine) executorFor(c domain.Candidate) sequencer.Executor {
	if e.deps.Executors != nil {
		return e.deps.Executors.For(c)
	}
	return e.deps.Executor
}

func (e *Engine) recordReport(ctx context.Context, account, candidateID string, rep sequencer.Report) {
	for _, st := range rep.Steps {
		r := audit.Record{Stage: audit.StageExecuted, Outcome: audit.OutcomeOK, Action: st.Action,
			Detail: map[string]any{"duration_ms": st.Duration.Milliseconds()}}
		if !st.OK() {
			r.Outcome, r.Reason = audit.OutcomeFailed, st.Error
		}
		e.record(ctx, account, candidateID, r)
	}

	r := audit.Record{Stage: audit.StageAdvanced, Outcome: audit.OutcomeOK, Action: domain.Advance,
		Detail: map[string]any{"state": rep.State}}
	switch {
	case rep.Cancelled:
		r.Outcome, r.Reason = audit.OutcomeSkip, "cancelled"
	case !rep.Advanced:
		r.Outcome, r.Reason = audit.OutcomeFailed, string(rep.FailedStep)
	}
	e.record(ctx, account, candidateID, r)
}

// record appends an audit record. Audit failures are logged, never fatal.
func (e *Engine) record(ctx context.Context, account, candidateID string, r audit.Record) {
	r.AccountID = account
	r.CandidateID = candidateID
	r = audit.Stamp(r, e.now())
	if err := e.deps.Audit.Append(context.WithoutCancel(ctx), r); err != nil {
		slog.Error("failed to append audit record", "candidate_id", candidateID, "stage", r.Stage, "error", err)
	}
}

func (e *Engine) publish(o Outcome) {
	if e.deps.Sink != nil {
		e.deps.Sink.Publish(o)
	}
}

func (e *Engine) finish(o Outcome) {
	e.mu.Lock()
	e.last = &o
	e.counters.Processed++
	switch o.Status {
	case StatusSuccess:
		e.counters.Success++
	case StatusSkip:
		e.counters.Skipped++
	case StatusError:
		e.counters.Errors++
	}
	e.mu.Unlock()

	slog.Info("candidate handled", "candidate_id", o.CandidateID, "status", o.Status, "reason", o.Reason)
	e.publish(o)
}

func skipped(id string, reason domain.SkipReason, msg string) Outcome {
	return Outcome{CandidateID: id, Status: StatusSkip, Reason: msg, SkipReason: reason}
}

func planOutcome(p domain.Plan) string {
	if p.IsSkip() {
		return audit.OutcomeSkip
	}
	return audit.OutcomeOK
}
