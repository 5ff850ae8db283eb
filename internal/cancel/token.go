// Package cancel implements the cooperative cancellation token threaded
// through every post attempt.
//
// A token is created by the orchestrator per attempt, cancelled at most once,
// and polled by adapters at each blocking boundary. Tokens are never reused:
// re-queuing a cancelled submission allocates a fresh one.
package cancel

import (
	"errors"
	"sync"
)

// Token is a single-writer, multi-reader cancellation flag.
//
// The zero value is not usable; create tokens with New(). A nil *Token is
// safe to poll and reports "not cancelled" so callers can pass nil in tests.
type Token struct {
	once sync.Once
	done chan struct{}
}

func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel requests cooperative abort. Safe to call more than once; only the
// first call has effect.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation, for select-based waits.
// Returns nil for a nil token (blocks forever in a select, as intended).
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// ErrCancelled is returned by cooperating calls that observed a set token.
var ErrCancelled = errors.New("post cancelled")
