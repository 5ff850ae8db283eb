// Package submission defines the core data model: a submission is one unit of
// content plus an ordered set of per-destination parts, each carrying its own
// post status and destination-specific options.
package submission

import (
	"strings"
	"time"
)

// PostStatus is the per-part delivery state.
//
// Transitions: UNPOSTED -> QUEUED -> POSTING -> {POSTED | FAILED}.
// POSTED is terminal for an attempt. A FAILED part may be re-queued by a later
// orchestrator run.
type PostStatus string

const (
	StatusUnposted PostStatus = "UNPOSTED"
	StatusQueued   PostStatus = "QUEUED"
	StatusPosting  PostStatus = "POSTING"
	StatusPosted   PostStatus = "POSTED"
	StatusFailed   PostStatus = "FAILED"
)

// Terminal reports whether the status ends an attempt.
func (s PostStatus) Terminal() bool {
	return s == StatusPosted || s == StatusFailed
}

// ErrorKind classifies a terminal failure for user display.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindValidationBlocked ErrorKind = "validation_blocked"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindPostFailed        ErrorKind = "post_failed"
)

// Schedule holds the optional one-shot post time.
type Schedule struct {
	PostAt      time.Time `json:"post_at,omitzero"`
	IsScheduled bool      `json:"is_scheduled"`
}

// Submission is a unit of content plus its per-destination delivery
// configuration. The repository owns it; the orchestrator holds only a
// transient reference while a post is active.
//
// The transient flags isQueued/isPosting are derived from orchestrator state
// at read time (see View) and deliberately have no place here.
type Submission struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ContentPath string    `json:"content_path,omitempty"`
	Parts       []*Part   `json:"parts"`
	Schedule    Schedule  `json:"schedule"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Part is one destination's configuration and post status within a
// submission. Exactly one part per submission has IsDefault set; it holds
// shared fallback values merged into real parts during validation and is
// never itself posted.
type Part struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	Destination  string `json:"destination"`
	IsDefault    bool   `json:"is_default"`

	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// OverrideTags replaces the default part's shared tag set instead of
	// unioning with it.
	OverrideTags bool              `json:"override_tags,omitempty"`
	Rating       string            `json:"rating,omitempty"`
	Options      map[string]string `json:"options,omitempty"`

	Status PostStatus `json:"status"`
	// PostedTo is the destination-assigned identifier. Set iff Status is POSTED.
	PostedTo  string    `json:"posted_to,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// PostOutcome is the per-part result reported after a dispatch attempt chain.
type PostOutcome struct {
	PartID              string     `json:"part_id"`
	Destination         string     `json:"destination"`
	Status              PostStatus `json:"status"`
	Kind                ErrorKind  `json:"error_kind,omitempty"`
	Error               string     `json:"error,omitempty"`
	PostedTo            string     `json:"posted_to,omitempty"`
	DestinationResponse string     `json:"destination_response,omitempty"`
}

// View decorates a submission with the transient orchestrator-derived flags.
type View struct {
	*Submission
	IsQueued  bool `json:"is_queued"`
	IsPosting bool `json:"is_posting"`
}

// DefaultPart returns the synthetic default part, or nil if absent.
func (s *Submission) DefaultPart() *Part {
	for _, p := range s.Parts {
		if p.IsDefault {
			return p
		}
	}
	return nil
}

// PostableParts returns the non-default parts in declaration order.
func (s *Submission) PostableParts() []*Part {
	out := make([]*Part, 0, len(s.Parts))
	for _, p := range s.Parts {
		if !p.IsDefault {
			out = append(out, p)
		}
	}
	return out
}

// Part returns the part with the given id, or nil.
func (s *Submission) Part(id string) *Part {
	for _, p := range s.Parts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Due reports whether the submission's schedule has fired at the given time.
func (s *Submission) Due(now time.Time) bool {
	return s.Schedule.IsScheduled && !s.Schedule.PostAt.IsZero() && !s.Schedule.PostAt.After(now)
}

// Clone returns a deep copy. Stores hand out clones so callers can't mutate
// persisted state behind the repository's back.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Parts = make([]*Part, len(s.Parts))
	for i, p := range s.Parts {
		cp.Parts[i] = p.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the part.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	if p.Options != nil {
		cp.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			cp.Options[k] = v
		}
	}
	return &cp
}

// NormalizeTags trims, lowercases and dedupes a tag list, preserving first
// occurrence order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
