package scorer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"engagebot/domain"
)

var scoreFields = []struct {
	name    string
	aliases []string
}{
	{"real_human_score", []string{"real_human_score", "real_human", "human_score"}},
	{"persona_consistency_score", []string{"persona_consistency_score", "persona_consistency", "persona_score"}},
	{"follow_back_score", []string{"follow_back_score", "follow_back", "followback_score"}},
}

// Parse turns model output into a ScoreResult. It accepts a JSON object
// optionally wrapped in a markdown code block or surrounded by prose.
// Failures are returned as *ScoreError with KindParse.
func Parse(candidateID, content string) (*domain.ScoreResult, error) {
	fields, err := decodeObject(content)
	if err != nil {
		return nil, &ScoreError{Kind: KindParse, Err: err}
	}

	res := &domain.ScoreResult{
		CandidateID:    candidateID,
		ShouldInteract: true,
		RawResponse:    content,
	}

	scores := []*domain.Score{&res.RealHuman, &res.PersonaConsistency, &res.FollowBack}
	anyScore := false
	for i, f := range scoreFields {
		raw, ok := lookup(fields, f.aliases...)
		if !ok {
			res.Flags = append(res.Flags, "missing:"+f.name)
			continue
		}
		v, ok := parseNumber(raw)
		if !ok {
			res.Flags = append(res.Flags, "invalid:"+f.name)
			continue
		}
		anyScore = true
		if v < 0 || v > 1 {
			res.Flags = append(res.Flags, "clamped:"+f.name)
			v = min(max(v, 0), 1)
		}
		*scores[i] = domain.ValidScore(v)
	}

	raw, hasDecision := lookup(fields, "should_interact", "interact")
	if hasDecision {
		b, ok := parseBool(raw)
		if !ok {
			res.Flags = append(res.Flags, "invalid:should_interact")
			hasDecision = false
		} else {
			res.ShouldInteract = b
		}
	}

	if !anyScore && !hasDecision {
		return nil, &ScoreError{Kind: KindParse, Err: errors.New("response has neither scores nor a decision")}
	}

	if raw, ok := lookup(fields, "reason"); ok {
		res.Reason = stringValue(raw)
	}
	if raw, ok := lookup(fields, "comment", "comment_text"); ok {
		res.CommentText = normalizeComment(stringValue(raw))
	}
	if raw, ok := lookup(fields, "actions", "suggested_actions"); ok {
		set, err := domain.ParseActions(raw)
		if err != nil {
			res.Flags = append(res.Flags, "invalid:actions")
		} else {
			res.SuggestedActions = set
			res.HasSuggestedActions = !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		}
	}

	return res, nil
}

func decodeObject(content string) (map[string]json.RawMessage, error) {
	text := stripMarkdownCodeBlock(content)
	if text == "" {
		return nil, errors.New("empty response")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err == nil && fields != nil {
		return fields, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", truncate(text, 80))
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("decoding JSON object: %w", err)
	}
	return fields, nil
}

// stripMarkdownCodeBlock removes a ```json ... ``` wrapper.
func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

func lookup(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func parseBool(raw json.RawMessage) (bool, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "是":
			return true, true
		case "false", "no", "n", "0", "否":
			return false, true
		}
	}
	return false, false
}

func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// normalizeComment maps the model's "no comment" spellings to "".
func normalizeComment(s string) string {
	switch strings.ToLower(s) {
	case "none", "null", "n/a", "无":
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
