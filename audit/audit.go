package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"engagebot/domain"
)

// Stage is the pipeline step a record belongs to.
type Stage string

const (
	StageExtracted Stage = "extracted"
	StageEligible  Stage = "eligible"
	StageScored    Stage = "scored"
	StagePlanned   Stage = "planned"
	StageGated     Stage = "gated"
	StageExecuted  Stage = "executed"
	StageAdvanced  Stage = "advanced"
	StageTask      Stage = "task"
)

// Outcome values.
const (
	OutcomeOK        = "ok"
	OutcomeSkip      = "skip"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeDowngrade = "downgraded"
)

// Record is one append-only audit entry.
type Record struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"ts"`
	AccountID   string            `json:"account_id"`
	CandidateID string            `json:"candidate_id"`
	Stage       Stage             `json:"stage"`
	Outcome     string            `json:"outcome"`
	Action      domain.ActionType `json:"action,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Detail      map[string]any    `json:"detail,omitempty"`
}

// Log stores audit records. Implementations never update or delete.
type Log interface {
	Append(ctx context.Context, r Record) error
}

// Stamp fills in a missing id and timestamp.
func Stamp(r Record, now time.Time) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
	return r
}

// Memory is an in-process Log, used by tests and the preview command.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Stamp(r, time.Now()))
	return nil
}

// Records returns a copy of everything appended so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Filter returns the records of one candidate at one stage.
func (m *Memory) Filter(candidateID string, stage Stage) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.CandidateID == candidateID && r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// Multi fans a record out to several logs. The first error is returned
// after every log has been tried.
type Multi []Log

func (m Multi) Append(ctx context.Context, r Record) error {
	r = Stamp(r, time.Now())
	var first error
	for _, l := range m {
		if err := l.Append(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}
