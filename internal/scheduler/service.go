// Package scheduler promotes due, unposted submissions into the post queue on
// a fixed cadence. It performs no validation: invalid submissions still get
// enqueued and surface as failures at dispatch time rather than being
// silently skipped.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postflow/internal/submission"
	logx "postflow/pkg/logx"

	"postflow/internal/store"
)

const defaultScan = "@every 60s"

func New(cfg Config, st store.Store, queue Queue, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		store:  st,
		queue:  queue,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the scan cadence/timezone at runtime.
func (s *Service) Apply(cfg Config) error {
	sched, loc, err := s.compile(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.sched = sched
	s.loc = loc
	s.mu.Unlock()
	return nil
}

func (s *Service) compile(cfg Config) (cron.Schedule, *time.Location, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, err
		}
		loc = l
	}
	spec := strings.TrimSpace(cfg.Scan)
	if spec == "" {
		spec = defaultScan
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, nil, err
	}
	return sched, loc, nil
}

// Start launches the scan loop. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	if s.sched == nil {
		sched, loc, err := s.compile(s.cfg)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.sched = sched
		s.loc = loc
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh := s.stopCh
	done := s.done
	loc := s.loc
	s.mu.Unlock()

	go s.run(ctx, stopCh, done, loc)
	s.log.Info("scheduler started", logx.String("scan", s.scanSpec()), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	done := s.done
	s.done = nil
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) scanSpec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.cfg.Scan) == "" {
		return defaultScan
	}
	return s.cfg.Scan
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}, loc *time.Location) {
	defer close(done)
	for {
		s.mu.Lock()
		sched := s.sched
		s.mu.Unlock()

		next := sched.Next(time.Now().In(loc))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Scan(ctx)
	}
}

// Scan is one scheduler tick: find due submissions (ordered by ascending
// postAt), skip anything already queued or posting, and promote the rest.
// Promotion is one-shot: the schedule flag is cleared so a scheduled post
// fires exactly once unless rescheduled.
func (s *Service) Scan(ctx context.Context) {
	now := time.Now()
	subs, err := s.store.FindDue(ctx, now)
	if err != nil {
		s.log.Warn("scheduler scan failed", logx.Err(err))
		return
	}

	queued := 0
	for _, sub := range subs {
		if s.queue.IsQueued(sub.ID) || s.queue.IsPosting(sub.ID) {
			continue
		}

		// Clear the flag before handing over so a slow post can't double-fire
		// on the next tick.
		off := sub.Schedule
		off.IsScheduled = false
		if err := s.store.UpdateSchedule(ctx, sub.ID, off); err != nil {
			s.log.Warn("schedule clear failed", logx.String("submission", sub.ID), logx.Err(err))
			continue
		}
		sub.Schedule = off

		if err := s.queue.Enqueue(sub); err != nil {
			// Put the schedule back so the next tick retries, unless someone
			// else enqueued it concurrently.
			if restoreErr := s.store.UpdateSchedule(ctx, sub.ID, submission.Schedule{PostAt: off.PostAt, IsScheduled: true}); restoreErr != nil && !errors.Is(restoreErr, store.ErrNotFound) {
				s.log.Error("schedule restore failed", logx.String("submission", sub.ID), logx.Err(restoreErr))
			}
			s.log.Warn("scheduled enqueue failed", logx.String("submission", sub.ID), logx.Err(err))
			continue
		}
		queued++
		s.log.Debug("scheduled submission promoted", logx.String("submission", sub.ID), logx.Time("post_at", sub.Schedule.PostAt))
	}

	s.mu.Lock()
	s.lastScanAt = now
	s.lastQueued = queued
	s.mu.Unlock()

	if queued > 0 {
		s.log.Info("scheduler tick", logx.Int("due", len(subs)), logx.Int("queued", queued))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Scan:       s.cfg.Scan,
		Timezone:   s.cfg.Timezone,
		LastScanAt: s.lastScanAt,
		LastQueued: s.lastQueued,
	}
	if snap.Scan == "" {
		snap.Scan = defaultScan
	}
	if s.sched != nil {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		snap.NextScanAt = s.sched.Next(time.Now().In(loc))
	}
	return snap
}
