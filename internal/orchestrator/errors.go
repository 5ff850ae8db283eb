package orchestrator

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled  = errors.New("orchestrator disabled")
	ErrStopped   = errors.New("orchestrator stopped")
	ErrQueueFull = errors.New("orchestrator queue full")

	// ErrSubmissionBusy rejects a write against a submission that is queued or
	// actively posting. Surfaced immediately to the caller, never queued or
	// retried.
	ErrSubmissionBusy = errors.New("submission is queued or posting")
)

// NoRetry marks a post failure as permanent so the single immediate retry is
// skipped. Adapters wrap explicit destination rejections with it.
//
// Example:
//
//	return adapter.Receipt{}, orchestrator.NoRetry(fmt.Errorf("rejected: %s", body))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
