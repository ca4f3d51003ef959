package sequencer

import (
	"context"
	"errors"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"engagebot/domain"
)

type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	comments []string
	fail     map[domain.ActionType]error
	block    map[domain.ActionType]bool
}

func (f *fakeExecutor) do(ctx context.Context, a domain.ActionType) error {
	f.mu.Lock()
	f.calls = append(f.calls, string(a))
	err := f.fail[a]
	block := f.block[a]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeExecutor) Subscribe(ctx context.Context) error { return f.do(ctx, domain.Subscribe) }
func (f *fakeExecutor) Like(ctx context.Context) error      { return f.do(ctx, domain.Like) }
func (f *fakeExecutor) Advance(ctx context.Context) error   { return f.do(ctx, domain.Advance) }
func (f *fakeExecutor) Comment(ctx context.Context, text string) error {
	f.mu.Lock()
	f.comments = append(f.comments, text)
	f.mu.Unlock()
	return f.do(ctx, domain.Comment)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	onCall func(n int)
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	r.mu.Unlock()
	if r.onCall != nil {
		r.onCall(n)
	}
	return ctx.Err()
}

func newTestSequencer(sl *recordingSleeper, cfg Config) *Sequencer {
	if cfg.Delays == (Delays{}) {
		cfg.Delays = DefaultDelays()
	}
	return New(cfg, WithSleep(sl.Sleep), WithRand(rand.New(rand.NewPCG(7, 7))))
}

func TestExecute_LikeCommentDone(t *testing.T) {
	ex := &fakeExecutor{}
	sl := &recordingSleeper{}
	s := newTestSequencer(sl, Config{})

	plan := domain.Plan{CandidateID: "v1", Actions: domain.NewActionSet(domain.Comment, domain.Like), CommentText: "好看"}
	rep := s.Execute(context.Background(), plan, ex)

	if rep.State != StateDone || !rep.Advanced || rep.Cancelled {
		t.Fatalf("report = %+v", rep)
	}
	if want := []string{"like", "comment", "advance"}; !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %v, want %v", ex.calls, want)
	}
	if ex.comments[0] != "好看" {
		t.Errorf("comment text = %q", ex.comments[0])
	}
	if len(rep.Steps) != 2 || rep.Performed() != plan.Actions {
		t.Errorf("steps = %+v", rep.Steps)
	}

	// One step delay between like and comment, then the pre-advance delay.
	if len(sl.delays) != 2 {
		t.Fatalf("delays = %v", sl.delays)
	}
	d := DefaultDelays()
	if sl.delays[0] < d.Step.Min || sl.delays[0] > d.Step.Max {
		t.Errorf("step delay %v outside %v", sl.delays[0], d.Step)
	}
	if sl.delays[1] < d.PreAdvance.Min || sl.delays[1] > d.PreAdvance.Max {
		t.Errorf("pre-advance delay %v outside %v", sl.delays[1], d.PreAdvance)
	}
}

func TestExecute_FullOrder(t *testing.T) {
	ex := &fakeExecutor{}
	s := newTestSequencer(&recordingSleeper{}, Config{})

	plan := domain.Plan{Actions: domain.NewActionSet(domain.Comment, domain.Subscribe, domain.Like), CommentText: "hi"}
	s.Execute(context.Background(), plan, ex)

	if want := []string{"subscribe", "like", "comment", "advance"}; !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %v, want %v", ex.calls, want)
	}
}

func TestExecute_StepFailureIsIsolated(t *testing.T) {
	ex := &fakeExecutor{fail: map[domain.ActionType]error{domain.Like: ErrStepFailed}}
	s := newTestSequencer(&recordingSleeper{}, Config{})

	plan := domain.Plan{Actions: domain.NewActionSet(domain.Like, domain.Comment), CommentText: "hi"}
	rep := s.Execute(context.Background(), plan, ex)

	if rep.State != StateFailed || rep.FailedStep != domain.Like {
		t.Errorf("state = %s failed step = %s", rep.State, rep.FailedStep)
	}
	if want := []string{"like", "comment", "advance"}; !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %v, want %v", ex.calls, want)
	}
	if !rep.Advanced {
		t.Error("advance should still run after a failed step")
	}
	if rep.Performed() != domain.NewActionSet(domain.Comment) {
		t.Errorf("performed = %s, want {comment}", rep.Performed())
	}
}

func TestExecute_SkipDelay(t *testing.T) {
	ex := &fakeExecutor{}
	sl := &recordingSleeper{}
	s := newTestSequencer(sl, Config{})

	rep := s.Execute(context.Background(), domain.Plan{SkipReason: domain.SkipLLMDeclined}, ex)
	if rep.State != StateDone || !rep.Advanced {
		t.Fatalf("report = %+v", rep)
	}
	if want := []string{"advance"}; !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %v", ex.calls)
	}
	d := DefaultDelays().Skip
	if len(sl.delays) != 1 || sl.delays[0] < d.Min || sl.delays[0] > d.Max {
		t.Errorf("delays = %v, want one in %v", sl.delays, d)
	}
}

func TestExecute_ImmediateAdvance(t *testing.T) {
	sl := &recordingSleeper{}
	s := newTestSequencer(sl, Config{})

	s.Execute(context.Background(), domain.Plan{SkipReason: domain.SkipScoringFailed, ImmediateAdvance: true}, &fakeExecutor{})
	if len(sl.delays) != 1 || sl.delays[0] != 0 {
		t.Errorf("delays = %v, want [0]", sl.delays)
	}
}

func TestExecute_DurationCapsPreAdvance(t *testing.T) {
	cfg := Config{Delays: Delays{
		Step:       Range{},
		PreAdvance: Range{Min: 5 * time.Second, Max: 15 * time.Second},
	}}

	tests := []struct {
		duration float64
		max      time.Duration
	}{
		{8, 7200 * time.Millisecond},
		{2, 5 * time.Second},
	}
	for _, tt := range tests {
		for seed := uint64(0); seed < 20; seed++ {
			sl := &recordingSleeper{}
			s := New(cfg, WithSleep(sl.Sleep), WithRand(rand.New(rand.NewPCG(seed, 1))))
			dur := tt.duration
			s.Execute(context.Background(), domain.Plan{Actions: domain.NewActionSet(domain.Like), DurationSeconds: &dur}, &fakeExecutor{})

			got := sl.delays[len(sl.delays)-1]
			if got > tt.max || got < cfg.Delays.PreAdvance.Min {
				t.Errorf("duration %v: pre-advance %v, want in [%v, %v]", dur, got, cfg.Delays.PreAdvance.Min, tt.max)
			}
		}
	}
}

func TestExecute_CancelDuringDelayStopsWithoutAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := &fakeExecutor{}
	sl := &recordingSleeper{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	s := newTestSequencer(sl, Config{})

	rep := s.Execute(ctx, domain.Plan{Actions: domain.NewActionSet(domain.Like, domain.Comment), CommentText: "hi"}, ex)

	if !rep.Cancelled || rep.State != StateFailed {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Advanced {
		t.Error("advance must not run after cancellation")
	}
	if want := []string{"like"}; !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %v, want %v", ex.calls, want)
	}
	if rep.Performed() != domain.NewActionSet(domain.Like) {
		t.Errorf("performed = %s, want {like}", rep.Performed())
	}
}

func TestExecute_CancelDuringStep(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	ex := &fakeExecutor{block: map[domain.ActionType]bool{domain.Comment: true}}
	s := New(Config{Delays: Delays{}})

	done := make(chan Report)
	go func() {
		done <- s.Execute(ctx, domain.Plan{Actions: domain.NewActionSet(domain.Like, domain.Comment), CommentText: "hi"}, ex)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case rep := <-done:
		if !rep.Cancelled || rep.Advanced {
			t.Errorf("report = %+v", rep)
		}
		if rep.Performed() != domain.NewActionSet(domain.Like) {
			t.Errorf("performed = %s, want {like}", rep.Performed())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	ex := &fakeExecutor{block: map[domain.ActionType]bool{domain.Like: true}}
	s := New(Config{StepTimeout: 20 * time.Millisecond})

	rep := s.Execute(context.Background(), domain.Plan{Actions: domain.NewActionSet(domain.Like)}, ex)

	if rep.Cancelled {
		t.Error("a step timeout is a failure, not a cancellation")
	}
	if rep.State != StateFailed || rep.FailedStep != domain.Like {
		t.Errorf("report = %+v", rep)
	}
	if !errors.Is(rep.Steps[0].Err, context.DeadlineExceeded) {
		t.Errorf("step error = %v", rep.Steps[0].Err)
	}
	if !rep.Advanced {
		t.Error("advance should run after a timed-out step")
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("err = %v", err)
	}
}
