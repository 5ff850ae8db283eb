package orchestrator

import (
	"time"

	"postflow/internal/submission"
)

// Config controls the post orchestrator.
type Config struct {
	Enabled bool
	// Workers bounds submission-level parallelism. Parts within one
	// submission are always dispatched sequentially.
	Workers   int
	QueueSize int
	// PostTimeout caps one adapter Post call. 0 disables the cap.
	PostTimeout time.Duration
	HistorySize int
}

// Event type constants published on the bus.
const (
	EvtQueued     = "submission.queued"
	EvtPosting    = "submission.posting"
	EvtCompleted  = "submission.completed"
	EvtCancelled  = "submission.cancelled"
	EvtPartPosted = "part.posted"
	EvtPartFailed = "part.failed"
	EvtValidation = "validation.result"
)

// SubmissionEvent is the payload for queue/posting lifecycle events.
type SubmissionEvent struct {
	SubmissionID string    `json:"submission_id"`
	Time         time.Time `json:"time"`
}

// PartEvent is the payload for per-part terminal events.
type PartEvent struct {
	SubmissionID string                 `json:"submission_id"`
	Outcome      submission.PostOutcome `json:"outcome"`
}

// CompletedEvent is the single aggregated notification emitted once every
// part of a submission is terminal (or the submission was cancelled).
type CompletedEvent struct {
	SubmissionID string                   `json:"submission_id"`
	Cancelled    bool                     `json:"cancelled"`
	Outcomes     []submission.PostOutcome `json:"outcomes"`
	Duration     time.Duration            `json:"duration"`
}

// HistoryItem records one delivered submission for diagnostics.
type HistoryItem struct {
	SubmissionID string
	Started      time.Time
	Duration     time.Duration
	Cancelled    bool
	Posted       int
	Failed       int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	Active   []string
	History  []HistoryItem
}
