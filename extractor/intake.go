package extractor

import (
	"context"
	"log/slog"

	"engagebot/domain"
)

// Intake buffers submitted candidates for the engine. Run enriches each one
// before handing it on, so slow page fetches never hold up submitters.
type Intake struct {
	raw     chan domain.Candidate
	out     chan domain.Candidate
	fetcher Fetcher
}

// NewIntake creates an Intake holding up to size pending candidates. A nil
// fetcher disables title enrichment.
func NewIntake(size int, f Fetcher) *Intake {
	if size <= 0 {
		size = 1
	}
	return &Intake{
		raw:     make(chan domain.Candidate, size),
		out:     make(chan domain.Candidate),
		fetcher: f,
	}
}

// Submit queues a candidate without blocking. It reports false when the
// buffer is full.
func (in *Intake) Submit(c domain.Candidate) bool {
	select {
	case in.raw <- c:
		return true
	default:
		slog.Warn("intake full, candidate dropped", "candidate_id", c.ID)
		return false
	}
}

// Pending returns the number of buffered candidates.
func (in *Intake) Pending() int { return len(in.raw) }

// C delivers enriched candidates. It is closed when Run returns.
func (in *Intake) C() <-chan domain.Candidate { return in.out }

// Run moves candidates from the buffer to C until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	defer close(in.out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-in.raw:
			c = Enrich(ctx, in.fetcher, c)
			select {
			case in.out <- c:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
