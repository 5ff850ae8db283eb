// Package orchestrator owns the post work queue: it decides when a submission
// is dispatched, guarantees at most one active post per submission, runs the
// validation gate, applies the retry and partial-failure policy, and reports
// terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/eventbus"
	rtsup "postflow/internal/runtime/supervisor"
	"postflow/internal/store"
	"postflow/internal/submission"
	"postflow/internal/validation"
	logx "postflow/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	bus      eventbus.Bus
	store    store.Store
	registry *adapter.Registry
	engine   *validation.Engine

	// pending holds queued submissions in enqueue order; byID indexes them
	// for the idempotent-enqueue and cancel paths.
	pending []*submission.Submission
	byID    map[string]*submission.Submission

	// active tracks in-flight posts; presence means isPosting.
	active map[string]*activePost

	wake   chan struct{}
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

type activePost struct {
	tok     *cancel.Token
	started time.Time
}

func New(cfg Config, st store.Store, registry *adapter.Registry, engine *validation.Engine, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    st,
		registry: registry,
		engine:   engine,
		byID:     map[string]*submission.Submission{},
		active:   map[string]*activePost{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "orchestrator"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	workers := cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic so one bad adapter can't drain
		// the pool.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("orchestrator started", logx.Int("workers", workers), logx.Int("queue", cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("orchestrator stop", logx.Err(err))
		}
	}
	s.log.Info("orchestrator stopped")
}

// Apply updates config; worker/queue changes require a restart.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.Enabled != cfg.Enabled {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Enqueue adds a submission to the pending set. Duplicate enqueue of a
// submission that is already queued or posting is a no-op.
//
// UNPOSTED and FAILED parts are (re-)queued; POSTED parts are left alone so a
// re-run never duplicates a successful delivery.
func (s *Service) Enqueue(sub *submission.Submission) error {
	if sub == nil || sub.ID == "" {
		return errors.New("submission id is required")
	}
	cp := sub.Clone()

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if s.stopCh == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, posting := s.active[cp.ID]; posting {
		s.mu.Unlock()
		return nil
	}
	if _, queued := s.byID[cp.ID]; queued {
		s.mu.Unlock()
		return nil
	}
	if len(s.pending) >= s.cfg.QueueSize {
		s.mu.Unlock()
		return ErrQueueFull
	}

	// Every part must be QUEUED before the clone can reach a worker: deliver
	// only attempts parts it finds in that state, so a half-marked submission
	// picked up early would complete with parts never tried. Registering in
	// byID (but not yet in pending) keeps duplicate enqueues, Guard and Cancel
	// correct while the transitions are persisted below.
	var queued []*submission.Part
	for _, p := range cp.PostableParts() {
		if p.Status == submission.StatusUnposted || p.Status == submission.StatusFailed {
			p.Status = submission.StatusQueued
			p.PostedTo = ""
			p.ErrorKind = submission.ErrKindNone
			p.LastError = ""
			queued = append(queued, p)
		}
	}
	s.byID[cp.ID] = cp
	s.mu.Unlock()

	for _, p := range queued {
		s.persistPartStatus(p.ID, submission.StatusQueued, "", submission.ErrKindNone, "")
	}

	s.mu.Lock()
	if _, still := s.byID[cp.ID]; !still {
		s.mu.Unlock()
		// Cancelled while the transitions were being persisted. The revert
		// happens here, after our own QUEUED writes, so storage never ends on
		// a stale QUEUED row.
		for _, p := range queued {
			s.setPartStatus(p, submission.StatusUnposted, "", submission.ErrKindNone, "")
		}
		return nil
	}
	s.pending = append(s.pending, cp)
	wake := s.wake
	s.mu.Unlock()

	s.publish(EvtQueued, SubmissionEvent{SubmissionID: cp.ID, Time: time.Now()})
	s.log.Debug("submission queued", logx.String("submission", cp.ID), logx.Int("parts", len(cp.PostableParts())))

	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel signals the submission's active token (if posting) or removes it from
// the pending set (if merely queued). Parts already POSTED stay POSTED.
// Returns false when the submission is neither queued nor posting.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	if ap, ok := s.active[id]; ok {
		s.mu.Unlock()
		// Cooperative: the worker observes the token, abandons remaining
		// parts, and emits the cancelled event itself.
		ap.tok.Cancel()
		s.log.Info("cancellation requested", logx.String("submission", id))
		return true
	}
	sub, queued := s.byID[id]
	if !queued {
		s.mu.Unlock()
		return false
	}
	delete(s.byID, id)
	inPending := false
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			inPending = true
			break
		}
	}
	s.mu.Unlock()

	if inPending {
		for _, p := range sub.PostableParts() {
			if p.Status == submission.StatusQueued {
				s.setPartStatus(p, submission.StatusUnposted, "", submission.ErrKindNone, "")
			}
		}
	}
	// Not in pending means Enqueue is still persisting the QUEUED transitions;
	// it observes the byID removal and reverts both memory and storage itself.
	s.publish(EvtCancelled, CompletedEvent{SubmissionID: id, Cancelled: true})
	s.log.Info("queued submission cancelled", logx.String("submission", id))
	return true
}

// IsQueued reports whether the submission is waiting in the pending set.
func (s *Service) IsQueued(id string) bool {
	s.mu.Lock()
	_, ok := s.byID[id]
	s.mu.Unlock()
	return ok
}

// IsPosting reports whether the submission has an active post task.
func (s *Service) IsPosting(id string) bool {
	s.mu.Lock()
	_, ok := s.active[id]
	s.mu.Unlock()
	return ok
}

// Guard rejects writes against an in-flight submission. Every mutating API
// (update, delete, reschedule) calls this before touching the record.
func (s *Service) Guard(id string) error {
	s.mu.Lock()
	_, posting := s.active[id]
	_, queued := s.byID[id]
	s.mu.Unlock()
	if posting || queued {
		return fmt.Errorf("%w: %s", ErrSubmissionBusy, id)
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	ql := len(s.pending)
	active := make([]string, 0, len(s.active))
	for id := range s.active {
		active = append(active, id)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: cfg.QueueSize,
		Active:   active,
		History:  h,
	}
}

// pop moves the next pending submission into the active set under one lock so
// a submission can never be picked up by two workers.
func (s *Service) pop() (*submission.Submission, *cancel.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	sub := s.pending[0]
	s.pending = s.pending[1:]
	delete(s.byID, sub.ID)

	tok := cancel.New()
	s.active[sub.ID] = &activePost{tok: tok, started: time.Now()}
	return sub, tok
}

func (s *Service) finish(id string, item HistoryItem) {
	s.mu.Lock()
	delete(s.active, id)
	cfg := s.cfg
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: data})
}

// setPartStatus mutates the in-memory part and persists the change.
func (s *Service) setPartStatus(p *submission.Part, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) {
	p.Status = st
	p.PostedTo = postedTo
	p.ErrorKind = kind
	p.LastError = lastErr
	s.persistPartStatus(p.ID, st, postedTo, kind, lastErr)
}

// persistPartStatus writes one transition to storage. Errors are logged, not
// fatal: the in-memory state machine stays canonical for the rest of the run.
func (s *Service) persistPartStatus(partID string, st submission.PostStatus, postedTo string, kind submission.ErrorKind, lastErr string) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdatePartStatus(context.Background(), partID, st, postedTo, kind, lastErr); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("part status persist failed", logx.String("part", partID), logx.String("status", string(st)), logx.Err(err))
	}
}
