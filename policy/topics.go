package policy

import (
	"strings"

	"engagebot/domain"
)

// Topics gates candidates by keywords found in their title, description or
// author. Matching is case-insensitive substring matching.
type Topics struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Empty reports whether no keywords are configured.
func (t Topics) Empty() bool {
	return len(t.Include) == 0 && len(t.Exclude) == 0
}

// Match reports whether c is on topic. When it is not, detail names the
// excluded keyword that matched, or is empty when no include keyword did.
func (t Topics) Match(c domain.Candidate) (ok bool, detail string) {
	if t.Empty() {
		return true, ""
	}
	text := strings.ToLower(c.Title + "\n" + c.Description + "\n" + c.AuthorID)

	for _, kw := range t.Exclude {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(text, kw) {
			return false, kw
		}
	}

	include := 0
	for _, kw := range t.Include {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		include++
		if strings.Contains(text, kw) {
			return true, ""
		}
	}
	return include == 0, ""
}
