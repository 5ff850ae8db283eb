// Package adapter defines the destination adapter contract consumed by the
// orchestrator, plus the registry that maps destination ids to adapter
// instances.
//
// Adapters are thin, swappable integrations. The orchestrator queries
// capability flags to decide applicability instead of branching on concrete
// destinations.
package adapter

import (
	"context"
	"encoding/json"

	"postflow/internal/cancel"
	"postflow/internal/submission"
)

// LoginStatus reports an account's session state at a destination.
type LoginStatus struct {
	LoggedIn bool   `json:"logged_in"`
	Username string `json:"username,omitempty"`
}

// ValidationResult collects destination-specific rule evaluation for one part.
// Problems block posting; warnings do not.
type ValidationResult struct {
	Problems []string `json:"problems,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) Problem(msg string) { r.Problems = append(r.Problems, msg) }
func (r *ValidationResult) Warning(msg string) { r.Warnings = append(r.Warnings, msg) }

// Capabilities describes what a destination accepts. The orchestrator and the
// split/duplicate logic query these flags rather than hard-coding
// per-destination branches.
type Capabilities struct {
	AcceptsAdditionalFiles bool
	AcceptsSourceURLs      bool
	AcceptsScheduling      bool
	// MaxTags caps the merged tag set; 0 means unlimited.
	MaxTags int
	// RatePerMinute bounds post attempts against this destination.
	// 0 means no destination-side limit is enforced locally.
	RatePerMinute int
}

// PostData is the merged, validated payload handed to Post. Title, Description
// and Tags already have the default part's shared values applied.
type PostData struct {
	SubmissionID string
	PartID       string
	Title        string
	Description  string
	Tags         []string
	Rating       string
	ContentPath  string
	Options      map[string]string
}

// Receipt is what a destination reports back on success.
type Receipt struct {
	// PostedTo is the destination-assigned identifier (URL or id).
	PostedTo string
	// Response is an optional raw response fragment kept for user display.
	Response string
}

// Adapter is the uniform contract every destination implements.
//
// Post must check tok at each blocking boundary (before each network call,
// before each file read) and return cancel-flavoured failure when set. The
// orchestrator never force-kills an in-flight call; it discards the result of
// a cancelled attempt when it eventually resolves.
type Adapter interface {
	ID() string
	Capabilities() Capabilities
	CheckLoginStatus(ctx context.Context) (LoginStatus, error)
	Validate(sub *submission.Submission, merged, def *submission.Part) ValidationResult
	Post(ctx context.Context, tok *cancel.Token, data PostData) (Receipt, error)
}

// Configurable is an optional interface for adapters that take per-destination
// settings from the config file's destination blocks.
type Configurable interface {
	Configure(raw json.RawMessage) error
}
