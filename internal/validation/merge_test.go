package validation

import (
	"context"
	"reflect"
	"testing"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/submission"
)

func TestMergeScalars(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		part      *submission.Part
		def       *submission.Part
		wantTitle string
		wantDesc  string
	}{
		{
			name:      "part wins",
			part:      &submission.Part{Title: "part title", Description: "part desc"},
			def:       &submission.Part{Title: "shared title", Description: "shared desc"},
			wantTitle: "part title",
			wantDesc:  "part desc",
		},
		{
			name:      "default fills blanks",
			part:      &submission.Part{},
			def:       &submission.Part{Title: "shared title", Description: "shared desc"},
			wantTitle: "shared title",
			wantDesc:  "shared desc",
		},
		{
			name:      "nil default",
			part:      &submission.Part{Title: "part title"},
			def:       nil,
			wantTitle: "part title",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.part, tt.def)
			if got.Title != tt.wantTitle {
				t.Fatalf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if got.Description != tt.wantDesc {
				t.Fatalf("Description = %q, want %q", got.Description, tt.wantDesc)
			}
		})
	}
}

func TestMergeTags(t *testing.T) {
	t.Parallel()
	def := &submission.Part{Tags: []string{"shared", "Art"}}

	union := Merge(&submission.Part{Tags: []string{"part", "art"}}, def)
	if want := []string{"shared", "art", "part"}; !reflect.DeepEqual(union.Tags, want) {
		t.Fatalf("union tags = %v, want %v", union.Tags, want)
	}

	replaced := Merge(&submission.Part{Tags: []string{"only"}, OverrideTags: true}, def)
	if want := []string{"only"}; !reflect.DeepEqual(replaced.Tags, want) {
		t.Fatalf("override tags = %v, want %v", replaced.Tags, want)
	}
}

func TestMergeOptions(t *testing.T) {
	t.Parallel()
	part := &submission.Part{Options: map[string]string{"folder": "sketches"}}
	def := &submission.Part{Options: map[string]string{"folder": "shared", "license": "cc"}}

	got := Merge(part, def)
	if got.Options["folder"] != "sketches" {
		t.Fatalf("part option must win, got %q", got.Options["folder"])
	}
	if got.Options["license"] != "cc" {
		t.Fatalf("default option must fill, got %q", got.Options["license"])
	}
	// Inputs stay untouched.
	if len(part.Options) != 1 {
		t.Fatalf("merge mutated the input part: %v", part.Options)
	}
}

// stubAdapter implements adapter.Adapter with canned validation output.
type stubAdapter struct {
	id       string
	maxTags  int
	problems []string
	warnings []string
}

func (a *stubAdapter) ID() string { return a.id }

func (a *stubAdapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{MaxTags: a.maxTags}
}

func (a *stubAdapter) CheckLoginStatus(ctx context.Context) (adapter.LoginStatus, error) {
	return adapter.LoginStatus{LoggedIn: true}, nil
}

func (a *stubAdapter) Validate(sub *submission.Submission, merged, def *submission.Part) adapter.ValidationResult {
	return adapter.ValidationResult{Problems: a.problems, Warnings: a.warnings}
}

func (a *stubAdapter) Post(ctx context.Context, tok *cancel.Token, data adapter.PostData) (adapter.Receipt, error) {
	return adapter.Receipt{}, nil
}

type stubSource map[string]*stubAdapter

func (s stubSource) Get(id string) (adapter.Adapter, bool) {
	a, ok := s[id]
	if !ok {
		return nil, false
	}
	return a, true
}

func TestEngineValidate(t *testing.T) {
	t.Parallel()
	reg := stubSource{
		"ok":     &stubAdapter{id: "ok"},
		"strict": &stubAdapter{id: "strict", problems: []string{"account not logged in"}},
		"tags":   &stubAdapter{id: "tags", maxTags: 2},
	}
	eng := NewEngine(reg)

	sub := &submission.Submission{
		ID:    "s1",
		Title: "fallback",
		Parts: []*submission.Part{
			{ID: "d", IsDefault: true, Tags: []string{"a", "b", "c"}},
			{ID: "p1", Destination: "ok"},
			{ID: "p2", Destination: "strict"},
			{ID: "p3", Destination: "missing"},
			{ID: "p4", Destination: "tags"},
		},
	}

	res := eng.Validate(sub, sub.Parts)
	if len(res.Ordered) != 4 {
		t.Fatalf("expected 4 part results, got %d", len(res.Ordered))
	}

	if pr, _ := res.For("p1"); pr.Blocked() {
		t.Fatalf("p1 should pass, got problems %v", pr.Problems)
	}
	if pr, _ := res.For("p2"); !pr.Blocked() {
		t.Fatal("p2 should be blocked by the adapter rule")
	}
	if pr, _ := res.For("p3"); !pr.Blocked() {
		t.Fatal("unknown destination must block the part")
	}
	if pr, _ := res.For("p4"); pr.Blocked() || len(pr.Warnings) == 0 {
		t.Fatalf("tag overflow should warn, not block: %+v", pr)
	}
	if !res.AnyBlocked() {
		t.Fatal("AnyBlocked should be true")
	}
}

func TestEngineTitleRequired(t *testing.T) {
	t.Parallel()
	eng := NewEngine(stubSource{"ok": &stubAdapter{id: "ok"}})
	sub := &submission.Submission{
		ID:    "s1",
		Parts: []*submission.Part{{ID: "p1", Destination: "ok"}},
	}
	res := eng.Validate(sub, sub.Parts)
	if pr, _ := res.For("p1"); !pr.Blocked() {
		t.Fatal("missing title everywhere must block")
	}
}
