package store

import (
	"context"
	"errors"
	"time"

	"postflow/internal/submission"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("submission not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the repository contract the orchestrator, scheduler and submission
// service consume. They only read current state and write final per-part
// statuses; they never own storage.
type Store interface {
	Save(ctx context.Context, s *submission.Submission) error
	Get(ctx context.Context, id string) (*submission.Submission, error)
	List(ctx context.Context) ([]*submission.Submission, error)
	// FindDue returns submissions with IsScheduled set and PostAt <= now,
	// ordered by ascending PostAt.
	FindDue(ctx context.Context, now time.Time) ([]*submission.Submission, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	UpdateSchedule(ctx context.Context, id string, sch submission.Schedule) error
	UpdatePartStatus(ctx context.Context, partID string, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) error
	Close() error
}
