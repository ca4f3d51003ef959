package domain

// Score is a model-provided value in [0,1]. Valid is false when the model did
// not return a parseable number, which is distinct from a zero score.
type Score struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// ValidScore wraps a known value.
func ValidScore(v float64) Score { return Score{Value: v, Valid: true} }

// Below reports whether the score fails a minimum threshold. A missing score
// never satisfies a threshold.
func (s Score) Below(min float64) bool { return !s.Valid || s.Value < min }

// Above reports whether the score strictly exceeds the threshold.
func (s Score) Above(threshold float64) bool { return s.Valid && s.Value > threshold }

// ScoreResult is the parsed decision of the scoring model for one candidate.
// It is produced once and never mutated.
type ScoreResult struct {
	CandidateID        string    `json:"candidate_id"`
	RealHuman          Score     `json:"real_human_score"`
	PersonaConsistency Score     `json:"persona_consistency_score"`
	FollowBack         Score     `json:"follow_back_score"`
	ShouldInteract     bool      `json:"should_interact"`
	Reason             string    `json:"reason,omitempty"`
	CommentText        string    `json:"comment_text,omitempty"`
	SuggestedActions   ActionSet `json:"suggested_actions"`
	// HasSuggestedActions is set when the model returned an actions field at
	// all; an explicit empty list then means "no actions".
	HasSuggestedActions bool     `json:"has_suggested_actions"`
	Flags               []string `json:"flags,omitempty"`
	RawResponse         string   `json:"raw_response,omitempty"`
}
