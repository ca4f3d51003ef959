package domain

// SkipReason explains why a candidate, or one action of it, was not acted on.
type SkipReason string

const (
	SkipExtractionInsufficient SkipReason = "extraction_insufficient"
	SkipAlreadyInteracted      SkipReason = "already_interacted"
	SkipTopicMismatch          SkipReason = "topic_mismatch"
	SkipDailyLimit             SkipReason = "daily_limit"
	SkipScoringFailed          SkipReason = "scoring_failed"
	SkipLLMDeclined            SkipReason = "llm_skip"
	SkipNoActions              SkipReason = "no_actions"
	SkipRateLimited            SkipReason = "rate_limited"
)

// Downgrade records a comment that was removed from a plan by the content
// filter.
type Downgrade struct {
	Reason     string   `json:"reason"`
	Violations []string `json:"violations,omitempty"`
}

// Plan is the resolved set of actions for one candidate. Execution order is
// fixed by InteractiveOrder, followed by Advance.
type Plan struct {
	CandidateID      string     `json:"candidate_id"`
	Actions          ActionSet  `json:"actions"`
	CommentText      string     `json:"comment_text,omitempty"`
	SkipReason       SkipReason `json:"skip_reason,omitempty"`
	Downgrade        *Downgrade `json:"downgrade,omitempty"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	ImmediateAdvance bool       `json:"immediate_advance,omitempty"`
}

// IsSkip reports whether the plan has no interactive steps.
func (p Plan) IsSkip() bool { return p.Actions.Empty() }

// Steps returns the interactive steps in execution order.
func (p Plan) Steps() []ActionType { return p.Actions.Actions() }

// Without returns a copy of the plan with the action removed. Dropping the
// comment also clears its text.
func (p Plan) Without(a ActionType) Plan {
	p.Actions = p.Actions.Without(a)
	if a == Comment {
		p.CommentText = ""
	}
	return p
}
