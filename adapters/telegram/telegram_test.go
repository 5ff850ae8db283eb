package telegram

import (
	"encoding/json"
	"strings"
	"testing"

	"postflow/internal/submission"
)

func TestConfigure(t *testing.T) {
	t.Parallel()
	a := New()
	if err := a.Configure(json.RawMessage(`{"token": "t", "chat_id": -100123, "silent": true}`)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := a.Configure(json.RawMessage(`{"token": "t", "chatid": 1}`)); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	a := New()
	sub := &submission.Submission{ID: "s1", Title: "t"}

	res := a.Validate(sub, &submission.Part{Title: "hi"}, nil)
	if len(res.Problems) != 2 {
		t.Fatalf("unconfigured adapter must block on token and chat_id, got %v", res.Problems)
	}

	if err := a.Configure(json.RawMessage(`{"token": "t", "chat_id": 5}`)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	res = a.Validate(sub, &submission.Part{Title: "hi"}, nil)
	if len(res.Problems) != 0 {
		t.Fatalf("configured adapter should pass, got %v", res.Problems)
	}

	long := strings.Repeat("x", maxMessageLen+1)
	res = a.Validate(sub, &submission.Part{Description: long}, nil)
	if len(res.Problems) == 0 {
		t.Fatal("oversized message must block")
	}
}

func TestComposeMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		title string
		desc  string
		tags  []string
		want  string
	}{
		{name: "title only", title: "hello", want: "hello"},
		{name: "title and body", title: "hello", desc: "body", want: "hello\n\nbody"},
		{
			name: "tags are hashed",
			desc: "body", tags: []string{"two words", "plain"},
			want: "body\n\n#two_words #plain",
		},
		{name: "tags only", tags: []string{"a"}, want: "#a"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := composeMessage(tt.title, tt.desc, tt.tags); got != tt.want {
				t.Fatalf("composeMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCapabilitiesDefaultRate(t *testing.T) {
	t.Parallel()
	a := New()
	if caps := a.Capabilities(); caps.RatePerMinute != 20 {
		t.Fatalf("default rate = %d, want 20", caps.RatePerMinute)
	}
	if err := a.Configure(json.RawMessage(`{"token": "t", "chat_id": 5, "rate_per_minute": 3}`)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if caps := a.Capabilities(); caps.RatePerMinute != 3 {
		t.Fatalf("configured rate = %d, want 3", caps.RatePerMinute)
	}
}
