package domain

import (
	"encoding/json"
	"testing"
)

func TestParseActions_ShapesNormalizeToSameSet(t *testing.T) {
	want := NewActionSet(Like, Comment)

	inputs := []string{
		`"like,comment"`,
		`["like","comment"]`,
		`{"like":true,"comment":true}`,
		`{"like":true,"comment":true,"follow":false}`,
		`"comment | like"`,
		`["点赞","评论"]`,
		`{"like":"yes","comment":1}`,
	}

	for _, in := range inputs {
		got, err := ParseActions(json.RawMessage(in))
		if err != nil {
			t.Errorf("ParseActions(%s): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseActions(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestParseActions_FollowAliasesSubscribe(t *testing.T) {
	got, err := ParseActions(json.RawMessage(`["follow","like"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Has(Subscribe) || !got.Has(Like) || got.Has(Comment) {
		t.Errorf("got %s, want {subscribe, like}", got)
	}
}

func TestParseActions_NullAndNone(t *testing.T) {
	for _, in := range []string{`null`, `""`, `"none"`, `[]`, `{}`} {
		got, err := ParseActions(json.RawMessage(in))
		if err != nil {
			t.Errorf("ParseActions(%s): %v", in, err)
		}
		if !got.Empty() {
			t.Errorf("ParseActions(%s) = %s, want empty", in, got)
		}
	}
}

func TestParseActions_UnsupportedShape(t *testing.T) {
	if _, err := ParseActions(json.RawMessage(`42`)); err == nil {
		t.Fatal("expected error for numeric actions")
	}
}

func TestActionSet_OrderAndJSON(t *testing.T) {
	s := NewActionSet(Comment, Like, Subscribe, Advance)

	steps := s.Actions()
	if len(steps) != 3 || steps[0] != Subscribe || steps[1] != Like || steps[2] != Comment {
		t.Fatalf("unexpected order: %v", steps)
	}

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `["subscribe","like","comment"]` {
		t.Errorf("marshal = %s", b)
	}

	var back ActionSet
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != s {
		t.Errorf("round trip = %s, want %s", back, s)
	}
}

func TestPlanWithoutComment(t *testing.T) {
	p := Plan{Actions: NewActionSet(Like, Comment), CommentText: "nice"}
	q := p.Without(Comment)

	if q.Actions != NewActionSet(Like) {
		t.Errorf("actions = %s", q.Actions)
	}
	if q.CommentText != "" {
		t.Errorf("comment text not cleared: %q", q.CommentText)
	}
	if p.CommentText != "nice" {
		t.Error("original plan mutated")
	}
}
