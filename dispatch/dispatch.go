// Package dispatch turns plan steps into action tasks for an external driver
// and waits for the driver to report on them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"engagebot/domain"
	"engagebot/sequencer"
	"engagebot/storage"
)

// TaskStore is the subset of storage used by the queue.
type TaskStore interface {
	EnqueueTask(ctx context.Context, accountID, candidateID, actionType string, payload any) (*storage.Task, error)
	GetTask(ctx context.Context, id string) (*storage.Task, error)
	EscalateTask(ctx context.Context, id, reason string) error
	CancelTask(ctx context.Context, id string) error
}

// Payload is what the driver receives with each task.
type Payload struct {
	CandidateID string `json:"candidate_id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	CommentText string `json:"comment_text,omitempty"`
}

// Queue is an executor backed by the action task table. Each step becomes
// one queued task; the call returns once the driver reports or the driver
// timeout passes.
type Queue struct {
	store     TaskStore
	accountID string
	timeout   time.Duration
	poll      time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how often task status is re-read.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.poll = d }
}

// NewQueue creates a Queue for one account. timeout bounds the wait for each
// report; zero waits until the context ends.
func NewQueue(store TaskStore, accountID string, timeout time.Duration, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		accountID: accountID,
		timeout:   timeout,
		poll:      500 * time.Millisecond,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// For returns an executor whose tasks carry the candidate's details.
func (q *Queue) For(c domain.Candidate) sequencer.Executor {
	return &boundExecutor{q: q, c: c}
}

type boundExecutor struct {
	q *Queue
	c domain.Candidate
}

func (b *boundExecutor) Subscribe(ctx context.Context) error {
	return b.q.run(ctx, b.c, domain.Subscribe, "")
}

func (b *boundExecutor) Like(ctx context.Context) error {
	return b.q.run(ctx, b.c, domain.Like, "")
}

func (b *boundExecutor) Comment(ctx context.Context, text string) error {
	return b.q.run(ctx, b.c, domain.Comment, text)
}

func (b *boundExecutor) Advance(ctx context.Context) error {
	return b.q.run(ctx, b.c, domain.Advance, "")
}

func (q *Queue) run(ctx context.Context, c domain.Candidate, action domain.ActionType, text string) error {
	task, err := q.store.EnqueueTask(ctx, q.accountID, c.ID, string(action), Payload{
		CandidateID: c.ID,
		URL:         c.SourceURL,
		Title:       c.Title,
		CommentText: text,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", action, err)
	}
	slog.Debug("action task queued", "task_id", task.ID, "candidate_id", c.ID, "action", action)

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return q.wait(ctx, task.ID)
}

func (q *Queue) wait(ctx context.Context, id string) error {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		t, err := q.store.GetTask(ctx, id)
		switch {
		case err == nil:
			if done, err := outcome(t); done {
				return err
			}
		case ctx.Err() == nil:
			slog.Warn("failed to read action task", "task_id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			return q.abandon(ctx, id)
		case <-ticker.C:
		}
	}
}

// abandon closes a task nobody reported on. A deadline escalates it for
// review; a cancellation withdraws it.
func (q *Queue) abandon(ctx context.Context, id string) error {
	bg := context.WithoutCancel(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if err := q.store.EscalateTask(bg, id, "no report from driver"); err != nil && !errors.Is(err, storage.ErrTaskClosed) {
			slog.Error("failed to escalate action task", "task_id", id, "error", err)
		}
		// The driver may have reported between the last poll and the deadline.
		if t, err := q.store.GetTask(bg, id); err == nil && t.Status != storage.TaskReviewRequired {
			if done, err := outcome(t); done {
				return err
			}
		}
		return fmt.Errorf("task %s: %w", id, sequencer.ErrDriverUnavailable)
	}

	if err := q.store.CancelTask(bg, id); err != nil && !errors.Is(err, storage.ErrTaskClosed) {
		slog.Error("failed to cancel action task", "task_id", id, "error", err)
	}
	return ctx.Err()
}

func outcome(t *storage.Task) (bool, error) {
	switch t.Status {
	case storage.TaskSucceeded:
		return true, nil
	case storage.TaskFailed:
		msg := t.ErrorMessage
		if msg == "" {
			msg = "driver reported failure"
		}
		return true, fmt.Errorf("task %s: %w: %s", t.ID, sequencer.ErrStepFailed, msg)
	case storage.TaskReviewRequired, storage.TaskCancelled:
		return true, fmt.Errorf("task %s %s: %w", t.ID, t.Status, sequencer.ErrDriverUnavailable)
	}
	return false, nil
}
