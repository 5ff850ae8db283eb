package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postflow/internal/cancel"
	logx "postflow/pkg/logx"
)

// Registry maps destination ids to adapter instances and enforces each
// destination's local rate limit before a post attempt is dispatched.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter

	log logx.Logger

	// Cached login sweep results, keyed by destination id.
	loginMu   sync.Mutex
	logins    map[string]LoginStatus
	loginTime time.Time
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		adapters: map[string]Adapter{},
		limiters: map[string]*rate.Limiter{},
		logins:   map[string]LoginStatus{},
		log:      log,
	}
}

// Register adds adapters. Re-registering an id replaces the previous instance
// (used by config reload).
func (r *Registry) Register(adapters ...Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range adapters {
		if a == nil {
			continue
		}
		id := strings.TrimSpace(a.ID())
		if id == "" {
			return fmt.Errorf("adapter with empty id")
		}
		r.adapters[id] = a
		r.limiters[id] = limiterFor(a.Capabilities())
		r.log.Debug("destination registered", logx.String("destination", id))
	}
	return nil
}

// Deregister removes a destination (e.g. disabled via config reload).
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	delete(r.adapters, id)
	delete(r.limiters, id)
	r.mu.Unlock()
}

func limiterFor(caps Capabilities) *rate.Limiter {
	if caps.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	// Allow a burst of 1: destinations in this domain are strict about
	// per-session pacing.
	return rate.NewLimiter(rate.Limit(float64(caps.RatePerMinute)/60.0), 1)
}

// Get returns the adapter for a destination id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	r.mu.RUnlock()
	return a, ok
}

// IDs returns registered destination ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// WaitTurn blocks until the destination's rate limiter admits one attempt,
// the context ends, or the token is cancelled.
func (r *Registry) WaitTurn(ctx context.Context, tok *cancel.Token, id string) error {
	r.mu.RLock()
	lim := r.limiters[id]
	r.mu.RUnlock()
	if lim == nil {
		return nil
	}

	// rate.Limiter has no token hook, so bridge the cancellation token into
	// a context the limiter understands.
	wctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-tok.Done():
			cancelFn()
		case <-done:
		}
	}()

	if err := lim.Wait(wctx); err != nil {
		if tok.Cancelled() {
			return cancel.ErrCancelled
		}
		return err
	}
	return nil
}

// CheckLogins sweeps every registered adapter's login status and caches the
// snapshot for the read API. Failures are recorded as logged-out.
func (r *Registry) CheckLogins(ctx context.Context) map[string]LoginStatus {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	out := make(map[string]LoginStatus, len(adapters))
	for _, a := range adapters {
		st, err := a.CheckLoginStatus(ctx)
		if err != nil {
			r.log.Warn("login check failed", logx.String("destination", a.ID()), logx.Err(err))
			st = LoginStatus{}
		}
		out[a.ID()] = st
	}

	r.loginMu.Lock()
	r.logins = out
	r.loginTime = time.Now()
	r.loginMu.Unlock()
	return out
}

// LoginSnapshot returns the cached login sweep and its timestamp.
func (r *Registry) LoginSnapshot() (map[string]LoginStatus, time.Time) {
	r.loginMu.Lock()
	defer r.loginMu.Unlock()
	cp := make(map[string]LoginStatus, len(r.logins))
	for k, v := range r.logins {
		cp[k] = v
	}
	return cp, r.loginTime
}
