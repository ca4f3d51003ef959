package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionType names one UI step the executor can perform.
type ActionType string

const (
	Subscribe ActionType = "subscribe"
	Like      ActionType = "like"
	Comment   ActionType = "comment"
	Advance   ActionType = "advance"
)

// InteractiveOrder is the fixed execution order of interactive steps.
// Advance always runs after them and is not part of an ActionSet.
var InteractiveOrder = []ActionType{Subscribe, Like, Comment}

// ActionSet is the canonical set of interactive actions.
type ActionSet uint8

const (
	subscribeBit ActionSet = 1 << iota
	likeBit
	commentBit
)

func bitFor(a ActionType) ActionSet {
	switch a {
	case Subscribe:
		return subscribeBit
	case Like:
		return likeBit
	case Comment:
		return commentBit
	}
	return 0
}

// NewActionSet builds a set from the given actions. Advance and unknown
// values are ignored.
func NewActionSet(actions ...ActionType) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s |= bitFor(a)
	}
	return s
}

func (s ActionSet) Has(a ActionType) bool {
	b := bitFor(a)
	return b != 0 && s&b != 0
}

func (s ActionSet) With(a ActionType) ActionSet    { return s | bitFor(a) }
func (s ActionSet) Without(a ActionType) ActionSet { return s &^ bitFor(a) }
func (s ActionSet) Intersect(o ActionSet) ActionSet {
	return s & o
}
func (s ActionSet) Empty() bool { return s == 0 }

// Actions returns the members in execution order.
func (s ActionSet) Actions() []ActionType {
	var out []ActionType
	for _, a := range InteractiveOrder {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

func (s ActionSet) Len() int { return len(s.Actions()) }

func (s ActionSet) String() string {
	parts := make([]string, 0, 3)
	for _, a := range s.Actions() {
		parts = append(parts, string(a))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s ActionSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 3)
	for _, a := range s.Actions() {
		names = append(names, string(a))
	}
	return json.Marshal(names)
}

func (s *ActionSet) UnmarshalJSON(data []byte) error {
	parsed, err := ParseActions(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseAction maps an action name, including common aliases, to its canonical
// type. The second return is false for names that are not interactive actions.
func ParseAction(name string) (ActionType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "like", "likes", "heart", "digg", "点赞":
		return Like, true
	case "comment", "comments", "reply", "评论":
		return Comment, true
	case "follow", "subscribe", "关注", "订阅":
		return Subscribe, true
	}
	return "", false
}

// ParseActions normalizes the three shapes an LLM uses for its action list:
// a delimited string ("like,comment"), an array (["like","comment"]) or an
// object of flags ({"like":true,"comment":true}). Null yields an empty set.
func ParseActions(raw json.RawMessage) (ActionSet, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("decoding action string: %w", err)
		}
		return parseActionString(s), nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return 0, fmt.Errorf("decoding action array: %w", err)
		}
		var set ActionSet
		for _, item := range items {
			var name string
			if err := json.Unmarshal(item, &name); err != nil {
				continue
			}
			if a, ok := ParseAction(name); ok {
				set = set.With(a)
			}
		}
		return set, nil

	case '{':
		var flags map[string]json.RawMessage
		if err := json.Unmarshal(raw, &flags); err != nil {
			return 0, fmt.Errorf("decoding action object: %w", err)
		}
		var set ActionSet
		for name, v := range flags {
			a, ok := ParseAction(name)
			if !ok || !truthy(v) {
				continue
			}
			set = set.With(a)
		}
		return set, nil
	}

	return 0, fmt.Errorf("unsupported actions shape %q", string(raw))
}

func parseActionString(s string) ActionSet {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', '|', '+', '/', ' ', '\t', '\n', '，', '、', '；':
			return true
		}
		return false
	})
	var set ActionSet
	for _, f := range fields {
		if a, ok := ParseAction(f); ok {
			set = set.With(a)
		}
	}
	return set
}

func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "是":
			return true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f != 0
		}
	}
	return false
}
