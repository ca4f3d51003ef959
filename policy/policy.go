package policy

import (
	"engagebot/contentfilter"
	"engagebot/domain"
)

// Downgrade reasons recorded on a plan when the comment is removed.
const (
	DowngradeFiltered = "content_filter_rejected"
	DowngradeNoText   = "comment_text_missing"
)

// Thresholds gate the actions a score allows.
type Thresholds struct {
	PersonaMin   float64 `yaml:"persona_min" json:"persona_min"`
	RealHumanMin float64 `yaml:"real_human_min" json:"real_human_min"`
	FollowBack   float64 `yaml:"follow_back" json:"follow_back"`
}

// Rules are the runtime switches applied after the decision table.
type Rules struct {
	Thresholds     Thresholds
	LikeEnabled    bool
	CommentEnabled bool
	FollowEnabled  bool
}

// DefaultRules enables every action with the standard thresholds.
func DefaultRules() Rules {
	return Rules{
		Thresholds:     Thresholds{PersonaMin: 0.7, RealHumanMin: 0.8, FollowBack: 0.8},
		LikeEnabled:    true,
		CommentEnabled: true,
		FollowEnabled:  true,
	}
}

// CommentFilter decides whether comment text may be posted.
type CommentFilter interface {
	EvaluateComment(text string) contentfilter.Result
}

// Resolver maps a score to a plan. Resolve is a pure function of the score,
// the rules and the filter's current whitelist.
type Resolver struct {
	Rules  Rules
	Filter CommentFilter
}

// Resolve applies, in order: the model's decision, the score thresholds, the
// comment filter, the action toggles and the model's suggested actions. The
// last two can only remove actions. Suggested actions never remove a
// subscribe earned through the follow-back threshold.
func (r Resolver) Resolve(s domain.ScoreResult) domain.Plan {
	plan := domain.Plan{CandidateID: s.CandidateID}

	if !s.ShouldInteract {
		plan.SkipReason = domain.SkipLLMDeclined
		return plan
	}

	th := r.Rules.Thresholds
	switch {
	case s.PersonaConsistency.Below(th.PersonaMin) || s.RealHuman.Below(th.RealHumanMin):
		plan.Actions = domain.NewActionSet(domain.Like)
	case s.FollowBack.Above(th.FollowBack):
		plan.Actions = domain.NewActionSet(domain.Subscribe, domain.Like, domain.Comment)
	default:
		plan.Actions = domain.NewActionSet(domain.Like, domain.Comment)
	}

	if plan.Actions.Has(domain.Comment) {
		plan = r.checkComment(plan, s.CommentText)
	}

	if !r.Rules.LikeEnabled {
		plan = plan.Without(domain.Like)
	}
	if !r.Rules.CommentEnabled {
		plan = plan.Without(domain.Comment)
	}
	if !r.Rules.FollowEnabled {
		plan = plan.Without(domain.Subscribe)
	}

	if s.HasSuggestedActions {
		for _, a := range plan.Steps() {
			if a != domain.Subscribe && !s.SuggestedActions.Has(a) {
				plan = plan.Without(a)
			}
		}
	}

	if plan.IsSkip() {
		plan.SkipReason = domain.SkipNoActions
	}
	return plan
}

func (r Resolver) checkComment(plan domain.Plan, text string) domain.Plan {
	if text == "" {
		plan = plan.Without(domain.Comment)
		plan.Downgrade = &domain.Downgrade{Reason: DowngradeNoText}
		return plan
	}
	if r.Filter != nil {
		if res := r.Filter.EvaluateComment(text); !res.Pass {
			plan = plan.Without(domain.Comment)
			plan.Downgrade = &domain.Downgrade{Reason: DowngradeFiltered, Violations: res.Violations}
			return plan
		}
	}
	plan.CommentText = text
	return plan
}
