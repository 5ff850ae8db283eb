// Package validation implements the pre-dispatch validation gate.
//
// The engine merges each real part with the submission's default part, then
// delegates destination-specific rules to that destination's adapter. It is a
// pure function of its input; the orchestrator decides policy (skip only the
// failing part, post the rest).
package validation

import (
	"fmt"

	"postflow/internal/adapter"
	"postflow/internal/submission"
)

// AdapterSource is the subset of the registry the engine needs.
type AdapterSource interface {
	Get(id string) (adapter.Adapter, bool)
}

// PartResult is one part's validation outcome.
type PartResult struct {
	PartID      string   `json:"part_id"`
	Destination string   `json:"destination"`
	Problems    []string `json:"problems,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

func (r PartResult) Blocked() bool { return len(r.Problems) > 0 }

// Result aggregates per-part outcomes, keyed by part id and ordered as the
// parts were declared.
type Result struct {
	Ordered []PartResult
	byPart  map[string]PartResult
}

// For returns the result for a part id.
func (r Result) For(partID string) (PartResult, bool) {
	pr, ok := r.byPart[partID]
	return pr, ok
}

// AnyBlocked reports whether any part has problems.
func (r Result) AnyBlocked() bool {
	for _, pr := range r.Ordered {
		if pr.Blocked() {
			return true
		}
	}
	return false
}

type Engine struct {
	adapters AdapterSource
}

func NewEngine(adapters AdapterSource) *Engine {
	return &Engine{adapters: adapters}
}

// Validate runs structural checks and destination rules against every
// non-default part. It never mutates its input.
func (e *Engine) Validate(sub *submission.Submission, parts []*submission.Part) Result {
	res := Result{byPart: map[string]PartResult{}}
	if sub == nil {
		return res
	}
	def := sub.DefaultPart()

	for _, p := range parts {
		if p == nil || p.IsDefault {
			continue
		}
		pr := PartResult{PartID: p.ID, Destination: p.Destination}

		merged := Merge(p, def)

		a, ok := e.adapters.Get(p.Destination)
		if !ok {
			pr.Problems = append(pr.Problems, fmt.Sprintf("unknown destination %q", p.Destination))
			res.Ordered = append(res.Ordered, pr)
			res.byPart[p.ID] = pr
			continue
		}

		if merged.Title == "" && sub.Title == "" {
			pr.Problems = append(pr.Problems, "title is required")
		}
		if caps := a.Capabilities(); caps.MaxTags > 0 && len(merged.Tags) > caps.MaxTags {
			pr.Warnings = append(pr.Warnings,
				fmt.Sprintf("%d tags exceed the destination limit of %d; extra tags will be dropped", len(merged.Tags), caps.MaxTags))
		}

		vr := a.Validate(sub, merged, def)
		pr.Problems = append(pr.Problems, vr.Problems...)
		pr.Warnings = append(pr.Warnings, vr.Warnings...)

		res.Ordered = append(res.Ordered, pr)
		res.byPart[p.ID] = pr
	}
	return res
}
