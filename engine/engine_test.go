package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"engagebot/audit"
	"engagebot/contentfilter"
	"engagebot/domain"
	"engagebot/policy"
	"engagebot/rategate"
	"engagebot/scorer"
	"engagebot/sequencer"
)

// --- Mock implementations ---

type mockScorer struct {
	mu      sync.Mutex
	results map[string]*domain.ScoreResult
	err     map[string]error
	panics  map[string]bool
	calls   int
}

func (m *mockScorer) Score(ctx context.Context, c domain.Candidate, p scorer.Persona) (*domain.ScoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.panics[c.ID] {
		panic("boom")
	}
	if err, ok := m.err[c.ID]; ok {
		return nil, err
	}
	if r, ok := m.results[c.ID]; ok {
		cp := *r
		return &cp, nil
	}
	return goodScore(0.9, 0.9, 0.1, "好可爱"), nil
}

type mockExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  map[domain.ActionType]error
}

func (m *mockExecutor) do(a domain.ActionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, string(a))
	return m.fail[a]
}

func (m *mockExecutor) Subscribe(ctx context.Context) error            { return m.do(domain.Subscribe) }
func (m *mockExecutor) Like(ctx context.Context) error                 { return m.do(domain.Like) }
func (m *mockExecutor) Comment(ctx context.Context, text string) error { return m.do(domain.Comment) }
func (m *mockExecutor) Advance(ctx context.Context) error              { return m.do(domain.Advance) }

func (m *mockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// cancelOnLike cancels the handling context once the like has landed.
type cancelOnLike struct {
	*mockExecutor
	cancel context.CancelFunc
}

func (c *cancelOnLike) Like(ctx context.Context) error {
	err := c.mockExecutor.Like(ctx)
	c.cancel()
	return err
}

type mockInteractedStore struct {
	mu  sync.Mutex
	ids []string
}

func (m *mockInteractedStore) AddInteracted(ctx context.Context, accountID, candidateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, candidateID)
	return nil
}

type mockSink struct {
	mu       sync.Mutex
	statuses []string
}

func (m *mockSink) Publish(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, o.Status)
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func goodScore(rh, pc, fb float64, comment string) *domain.ScoreResult {
	return &domain.ScoreResult{
		RealHuman:          domain.ValidScore(rh),
		PersonaConsistency: domain.ValidScore(pc),
		FollowBack:         domain.ValidScore(fb),
		ShouldInteract:     true,
		CommentText:        comment,
	}
}

type testEnv struct {
	engine     *Engine
	scorer     *mockScorer
	executor   *mockExecutor
	audit      *audit.Memory
	gate       *rategate.Gate
	interacted *mockInteractedStore
	sink       *mockSink
}

func newTestEnv(t *testing.T, limits map[domain.ActionType]rategate.Limit) *testEnv {
	t.Helper()
	filter, err := contentfilter.New(contentfilter.Rules{
		BlockedKeywords: contentfilter.DefaultBlockedKeywords,
		BlockedPatterns: contentfilter.DefaultBlockedPatterns,
		MaxLength:       contentfilter.DefaultMaxLength,
	})
	if err != nil {
		t.Fatal(err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		scorer:     &mockScorer{},
		executor:   &mockExecutor{},
		audit:      audit.NewMemory(),
		gate:       rategate.New(limits, rategate.WithClock(func() time.Time { return clock })),
		interacted: &mockInteractedStore{},
		sink:       &mockSink{},
	}
	env.engine = New(Deps{
		Scorer:     env.scorer,
		Gate:       env.gate,
		Filter:     filter,
		Sequencer:  sequencer.New(sequencer.Config{Delays: sequencer.DefaultDelays()}, sequencer.WithSleep(noSleep)),
		Executor:   env.executor,
		Audit:      env.audit,
		Interacted: env.interacted,
		Sink:       env.sink,
	}, Config{
		AccountID:      "acct",
		Rules:          policy.DefaultRules(),
		SkipInteracted: true,
		ScoringTimeout: time.Second,
	}, 10)
	return env
}

func candidate(id string) domain.Candidate {
	return domain.Candidate{ID: id, Title: "title " + id, SourceURL: "https://www.douyin.com/video/" + id}
}

func actionsOf(recs []audit.Record) []string {
	var out []string
	for _, r := range recs {
		out = append(out, string(r.Action)+":"+r.Outcome)
	}
	return out
}

// --- Tests ---

func TestHandle_LikeAndComment(t *testing.T) {
	env := newTestEnv(t, nil)

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", out.Status, out.Reason)
	}
	if out.Report.State != sequencer.StateDone {
		t.Errorf("state = %s", out.Report.State)
	}
	if want := []string{"like", "comment", "advance"}; !reflect.DeepEqual(env.executor.Calls(), want) {
		t.Errorf("calls = %v, want %v", env.executor.Calls(), want)
	}

	executed := env.audit.Filter("v1", audit.StageExecuted)
	if want := []string{"like:ok", "comment:ok"}; !reflect.DeepEqual(actionsOf(executed), want) {
		t.Errorf("executed records = %v, want %v", actionsOf(executed), want)
	}
	if adv := env.audit.Filter("v1", audit.StageAdvanced); len(adv) != 1 || adv[0].Outcome != audit.OutcomeOK {
		t.Errorf("advance records = %+v", adv)
	}

	snap := env.gate.Snapshot("acct")
	if snap[domain.Like].DayCount != 1 || snap[domain.Comment].DayCount != 1 {
		t.Errorf("consumed = %+v", snap)
	}
	if !reflect.DeepEqual(env.interacted.ids, []string{"v1"}) {
		t.Errorf("persisted interacted = %v", env.interacted.ids)
	}
}

func TestHandle_FollowBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.results = map[string]*domain.ScoreResult{"v1": goodScore(0.9, 0.9, 0.85, "太棒了")}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	want := domain.NewActionSet(domain.Subscribe, domain.Like, domain.Comment)
	if out.Performed != want {
		t.Errorf("performed = %s, want %s", out.Performed, want)
	}
	if calls := env.executor.Calls(); calls[0] != "subscribe" {
		t.Errorf("calls = %v, want subscribe first", calls)
	}
}

func TestHandle_LowPersonaLikesOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.results = map[string]*domain.ScoreResult{"v1": goodScore(0.9, 0.5, 0.95, "好")}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Performed != domain.NewActionSet(domain.Like) {
		t.Errorf("performed = %s, want {like}", out.Performed)
	}
}

func TestHandle_CommentRateLimited(t *testing.T) {
	env := newTestEnv(t, map[domain.ActionType]rategate.Limit{
		domain.Comment: {PerMinute: 2},
	})
	env.gate.Consume("acct", domain.Comment)
	env.gate.Consume("acct", domain.Comment)

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Performed != domain.NewActionSet(domain.Like) {
		t.Fatalf("performed = %s, want {like}", out.Performed)
	}
	gated := env.audit.Filter("v1", audit.StageGated)
	if len(gated) != 1 || gated[0].Action != domain.Comment || gated[0].Reason != string(rategate.ReasonMinute) {
		t.Errorf("gated records = %+v", gated)
	}
	if got := env.gate.Snapshot("acct")[domain.Comment].MinuteCount; got != 2 {
		t.Errorf("comment count = %d, want 2", got)
	}
}

func TestHandle_AlreadyInteractedIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.engine.Handle(ctx, candidate("v1"))
	callsAfterFirst := len(env.executor.Calls())
	likesAfterFirst := env.gate.Snapshot("acct")[domain.Like].DayCount

	out := env.engine.Handle(ctx, candidate("v1"))

	if out.Status != StatusSkip || out.SkipReason != domain.SkipAlreadyInteracted {
		t.Fatalf("outcome = %+v", out)
	}
	if len(env.executor.Calls()) != callsAfterFirst {
		t.Error("executor called for an already interacted candidate")
	}
	if env.gate.Snapshot("acct")[domain.Like].DayCount != likesAfterFirst {
		t.Error("rate state changed for an already interacted candidate")
	}
	if env.scorer.calls != 1 {
		t.Errorf("scorer calls = %d, want 1", env.scorer.calls)
	}
}

func TestHandle_SeededInteracted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.Seed([]string{"v1"})

	out := env.engine.Handle(context.Background(), candidate("v1"))
	if out.SkipReason != domain.SkipAlreadyInteracted {
		t.Errorf("skip = %q, want already_interacted", out.SkipReason)
	}
}

func TestHandle_DailyLimit(t *testing.T) {
	env := newTestEnv(t, map[domain.ActionType]rategate.Limit{domain.Like: {PerDay: 1}})
	env.gate.Consume("acct", domain.Like)

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.SkipReason != domain.SkipDailyLimit {
		t.Fatalf("skip = %q, want daily_limit", out.SkipReason)
	}
	if len(env.executor.Calls()) != 0 {
		t.Errorf("executor calls = %v, want none", env.executor.Calls())
	}
	if env.scorer.calls != 0 {
		t.Error("scorer should not be called past the daily limit")
	}
}

func TestHandle_TopicMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := env.engine.Config()
	cfg.Topics = policy.Topics{Include: []string{"hiking"}, Exclude: []string{"giveaway"}}
	env.engine.UpdateConfig(cfg)

	off := candidate("v1")
	out := env.engine.Handle(context.Background(), off)
	if out.Status != StatusSkip || out.SkipReason != domain.SkipTopicMismatch {
		t.Fatalf("off topic outcome = %+v", out)
	}

	banned := candidate("v2")
	banned.Title = "Hiking gear GIVEAWAY"
	out = env.engine.Handle(context.Background(), banned)
	if out.SkipReason != domain.SkipTopicMismatch {
		t.Fatalf("excluded outcome = %+v", out)
	}
	recs := env.audit.Filter("v2", audit.StageEligible)
	if len(recs) != 1 || recs[0].Reason != string(domain.SkipTopicMismatch) || recs[0].Detail["excluded_keyword"] != "giveaway" {
		t.Errorf("eligible records = %+v", recs)
	}

	if len(env.executor.Calls()) != 0 || env.scorer.calls != 0 {
		t.Errorf("calls = %v, scorer calls = %d, want none", env.executor.Calls(), env.scorer.calls)
	}

	on := candidate("v3")
	on.Description = "a day of hiking"
	if out := env.engine.Handle(context.Background(), on); out.Status != StatusSuccess {
		t.Errorf("on topic outcome = %+v", out)
	}

	_, plan, err := env.engine.Preview(context.Background(), candidate("v4"))
	if err != nil || plan.SkipReason != domain.SkipTopicMismatch {
		t.Errorf("preview = %+v, %v", plan, err)
	}
}

func TestHandle_ScoringFailedAdvances(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.err = map[string]error{"v1": &scorer.ScoreError{Kind: scorer.KindTransport, Err: errors.New("timeout")}}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Status != StatusSkip || out.SkipReason != domain.SkipScoringFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if want := []string{"advance"}; !reflect.DeepEqual(env.executor.Calls(), want) {
		t.Errorf("calls = %v, want %v", env.executor.Calls(), want)
	}
	scored := env.audit.Filter("v1", audit.StageScored)
	if len(scored) != 1 || scored[0].Outcome != audit.OutcomeFailed || scored[0].Reason != string(scorer.KindTransport) {
		t.Errorf("scored records = %+v", scored)
	}
	if env.engine.interacted.Contains("v1") {
		t.Error("failed scoring must not mark the candidate as interacted")
	}
}

func TestHandle_ForeignScorerErrorBecomesTransport(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.err = map[string]error{"v1": errors.New("plain error")}

	env.engine.Handle(context.Background(), candidate("v1"))

	scored := env.audit.Filter("v1", audit.StageScored)
	if len(scored) != 1 || scored[0].Reason != string(scorer.KindTransport) {
		t.Errorf("scored records = %+v", scored)
	}
}

func TestHandle_LLMSkip(t *testing.T) {
	env := newTestEnv(t, nil)
	s := goodScore(0.9, 0.9, 0.9, "x")
	s.ShouldInteract = false
	env.scorer.results = map[string]*domain.ScoreResult{"v1": s}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.SkipReason != domain.SkipLLMDeclined {
		t.Errorf("skip = %q", out.SkipReason)
	}
	if want := []string{"advance"}; !reflect.DeepEqual(env.executor.Calls(), want) {
		t.Errorf("calls = %v", env.executor.Calls())
	}
}

func TestHandle_FilterDowngrade(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.results = map[string]*domain.ScoreResult{"v1": goodScore(0.9, 0.9, 0.1, "私信我领福利")}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Performed != domain.NewActionSet(domain.Like) {
		t.Fatalf("performed = %s, want {like}", out.Performed)
	}
	var downgraded bool
	for _, r := range env.audit.Filter("v1", audit.StagePlanned) {
		if r.Outcome == audit.OutcomeDowngrade && r.Reason == policy.DowngradeFiltered {
			downgraded = true
		}
	}
	if !downgraded {
		t.Error("downgrade not audited")
	}
}

func TestHandle_ExtractionInsufficient(t *testing.T) {
	env := newTestEnv(t, nil)

	out := env.engine.Handle(context.Background(), domain.Candidate{ID: "v1", Title: "  "})

	if out.SkipReason != domain.SkipExtractionInsufficient || out.Status != StatusSkip {
		t.Errorf("outcome = %+v", out)
	}
	if env.scorer.calls != 0 || len(env.executor.Calls()) != 0 {
		t.Error("nothing downstream should run without a title")
	}
	if recs := env.audit.Filter("v1", audit.StageEligible); len(recs) != 1 || recs[0].Outcome != audit.OutcomeSkip {
		t.Errorf("eligible records = %+v", recs)
	}
}

func TestHandle_StepFailureStillConsumesPerformed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.fail = map[domain.ActionType]error{domain.Comment: sequencer.ErrStepFailed}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Status != StatusSuccess || out.Performed != domain.NewActionSet(domain.Like) {
		t.Errorf("outcome = %+v", out)
	}
	snap := env.gate.Snapshot("acct")
	if snap[domain.Comment].DayCount != 0 || snap[domain.Like].DayCount != 1 {
		t.Errorf("consumed = %+v", snap)
	}
	executed := env.audit.Filter("v1", audit.StageExecuted)
	if want := []string{"like:ok", "comment:failed"}; !reflect.DeepEqual(actionsOf(executed), want) {
		t.Errorf("executed = %v, want %v", actionsOf(executed), want)
	}
}

func TestHandle_CancelAfterLikeConsumesOnlyLike(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.engine.deps.Executor = &cancelOnLike{mockExecutor: env.executor, cancel: cancel}

	out := env.engine.Handle(ctx, candidate("v1"))

	if out.Status != StatusError || out.Reason != "cancelled" {
		t.Errorf("outcome = %s (%s), want error (cancelled)", out.Status, out.Reason)
	}
	if out.Performed != domain.NewActionSet(domain.Like) {
		t.Errorf("performed = %s, want {like}", out.Performed)
	}
	if want := []string{"like"}; !reflect.DeepEqual(env.executor.Calls(), want) {
		t.Errorf("calls = %v, want %v", env.executor.Calls(), want)
	}

	snap := env.gate.Snapshot("acct")
	if got := snap[domain.Like].MinuteCount; got != 1 {
		t.Errorf("like minute count = %d, want 1", got)
	}
	if got := snap[domain.Comment].MinuteCount; got != 0 {
		t.Errorf("comment minute count = %d, want 0", got)
	}
	if !env.engine.interacted.Contains("v1") {
		t.Error("candidate with a performed like not marked as interacted")
	}
}

func TestHandle_AllStepsFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.fail = map[domain.ActionType]error{
		domain.Like:    sequencer.ErrDriverUnavailable,
		domain.Comment: sequencer.ErrDriverUnavailable,
	}

	out := env.engine.Handle(context.Background(), candidate("v1"))

	if out.Status != StatusError {
		t.Errorf("status = %s, want error", out.Status)
	}
	if env.engine.interacted.Contains("v1") {
		t.Error("candidate with no performed action marked as interacted")
	}
}

func TestHandle_TogglesFromUpdateConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := env.engine.Config()
	cfg.Rules.CommentEnabled = false
	env.engine.UpdateConfig(cfg)

	out := env.engine.Handle(context.Background(), candidate("v1"))
	if out.Performed != domain.NewActionSet(domain.Like) {
		t.Errorf("performed = %s, want {like}", out.Performed)
	}
}

func TestHandle_ImmediateAdvanceReason(t *testing.T) {
	env := newTestEnv(t, nil)
	cfg := env.engine.Config()
	cfg.ImmediateAdvanceReasons = []domain.SkipReason{domain.SkipScoringFailed}
	env.engine.UpdateConfig(cfg)
	env.scorer.err = map[string]error{"v1": &scorer.ScoreError{Kind: scorer.KindParse, Err: errors.New("bad")}}

	out := env.engine.Handle(context.Background(), candidate("v1"))
	if out.Plan == nil || !out.Plan.ImmediateAdvance {
		t.Errorf("plan = %+v, want immediate advance", out.Plan)
	}
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.scorer.panics = map[string]bool{"v1": true}

	out := env.engine.Handle(context.Background(), candidate("v1"))
	if out.Status != StatusError {
		t.Fatalf("status = %s, want error", out.Status)
	}

	out = env.engine.Handle(context.Background(), candidate("v2"))
	if out.Status != StatusSuccess {
		t.Errorf("next candidate status = %s", out.Status)
	}
	if c := env.engine.Status().Counters; c.Errors != 1 || c.Success != 1 || c.Processed != 2 {
		t.Errorf("counters = %+v", c)
	}
}

func TestHandle_PublishesStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.Handle(context.Background(), candidate("v1"))

	if want := []string{StatusProcessing, StatusSuccess}; !reflect.DeepEqual(env.sink.statuses, want) {
		t.Errorf("statuses = %v, want %v", env.sink.statuses, want)
	}
	if last := env.engine.Status().Last; last == nil || last.CandidateID != "v1" {
		t.Errorf("last = %+v", last)
	}
}

func TestPreview_HasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, nil)

	score, plan, err := env.engine.Preview(context.Background(), candidate("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if score.CandidateID != "v1" || plan.Actions != domain.NewActionSet(domain.Like, domain.Comment) {
		t.Errorf("score = %+v plan = %+v", score, plan)
	}
	if len(env.executor.Calls()) != 0 || len(env.audit.Records()) != 0 {
		t.Error("preview must not execute or audit")
	}
	if len(env.gate.Snapshot("acct")) != 0 {
		t.Error("preview must not consume")
	}
}

func TestRun_DrainsUntilClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t, nil)
	in := make(chan domain.Candidate, 3)
	in <- candidate("v1")
	in <- candidate("v2")
	in <- candidate("v1")
	close(in)

	if err := env.engine.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	c := env.engine.Status().Counters
	if c.Processed != 3 || c.Success != 2 || c.Skipped != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan domain.Candidate)

	done := make(chan error)
	go func() { done <- env.engine.Run(ctx, in) }()

	in <- candidate("v1")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
