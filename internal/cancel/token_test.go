package cancel

import (
	"sync"
	"testing"
	"time"
)

func TestTokenCancelIdempotent(t *testing.T) {
	t.Parallel()
	tok := New()
	if tok.Cancelled() {
		t.Fatal("fresh token must not read cancelled")
	}

	tok.Cancel()
	tok.Cancel() // second call must be a no-op, not a panic
	if !tok.Cancelled() {
		t.Fatal("token must read cancelled after Cancel")
	}
}

func TestTokenConcurrentCancel(t *testing.T) {
	t.Parallel()
	tok := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()
	if !tok.Cancelled() {
		t.Fatal("token must read cancelled")
	}
}

func TestTokenDoneUnblocksWaiters(t *testing.T) {
	t.Parallel()
	tok := New()
	got := make(chan struct{})
	go func() {
		<-tok.Done()
		close(got)
	}()
	tok.Cancel()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("Done channel never closed")
	}
}

func TestNilTokenIsSafe(t *testing.T) {
	t.Parallel()
	var tok *Token
	tok.Cancel()
	if tok.Cancelled() {
		t.Fatal("nil token must report not cancelled")
	}
	select {
	case <-tok.Done():
		t.Fatal("nil token Done must block")
	default:
	}
}
