// Package service is the write API over submissions. Every mutation is gated
// by the orchestrator's busy predicates so a submission can never be edited
// while it is being delivered, and multi-step operations (duplicate, split)
// clean up after themselves on partial failure.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postflow/internal/adapter"
	"postflow/internal/orchestrator"
	"postflow/internal/store"
	"postflow/internal/submission"
	logx "postflow/pkg/logx"
)

var ErrNoParts = errors.New("submission needs at least one destination part")

type Service struct {
	store    store.Store
	orch     *orchestrator.Service
	registry *adapter.Registry
	log      logx.Logger
}

func New(st store.Store, orch *orchestrator.Service, registry *adapter.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: st, orch: orch, registry: registry, log: log}
}

// ready rejects store-backed operations when storage is disabled.
func (s *Service) ready() error {
	if s.store == nil {
		return store.ErrDisabled
	}
	return nil
}

// PartInput describes one destination part on create.
type PartInput struct {
	Destination  string
	Title        string
	Description  string
	Tags         []string
	OverrideTags bool
	Rating       string
	Options      map[string]string
}

// CreateInput describes a new submission. Defaults populates the synthetic
// default part holding shared fallback values.
type CreateInput struct {
	Title       string
	ContentPath string
	Schedule    submission.Schedule
	Defaults    PartInput
	Parts       []PartInput
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*submission.Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(in.Parts) == 0 {
		return nil, ErrNoParts
	}
	for _, p := range in.Parts {
		if _, ok := s.registry.Get(p.Destination); !ok {
			return nil, fmt.Errorf("unknown destination %q", p.Destination)
		}
	}

	now := time.Now()
	sub := &submission.Submission{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		ContentPath: in.ContentPath,
		Schedule:    in.Schedule,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	def := &submission.Part{
		ID:           uuid.NewString(),
		SubmissionID: sub.ID,
		IsDefault:    true,
		Title:        strings.TrimSpace(in.Defaults.Title),
		Description:  in.Defaults.Description,
		Tags:         submission.NormalizeTags(in.Defaults.Tags),
		Rating:       in.Defaults.Rating,
		Options:      in.Defaults.Options,
		Status:       submission.StatusUnposted,
	}
	sub.Parts = append(sub.Parts, def)
	for _, pi := range in.Parts {
		sub.Parts = append(sub.Parts, &submission.Part{
			ID:           uuid.NewString(),
			SubmissionID: sub.ID,
			Destination:  pi.Destination,
			Title:        strings.TrimSpace(pi.Title),
			Description:  pi.Description,
			Tags:         submission.NormalizeTags(pi.Tags),
			OverrideTags: pi.OverrideTags,
			Rating:       pi.Rating,
			Options:      pi.Options,
			Status:       submission.StatusUnposted,
		})
	}

	if err := s.store.Save(ctx, sub); err != nil {
		// Compensate: a half-written record must not linger.
		if rmErr := s.store.Remove(ctx, sub.ID); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
			s.log.Warn("create cleanup failed", logx.String("submission", sub.ID), logx.Err(rmErr))
		}
		return nil, err
	}
	s.log.Info("submission created", logx.String("submission", sub.ID), logx.Int("parts", len(in.Parts)))
	return sub, nil
}

// Update applies fn to a submission and saves it. Rejected with
// ErrSubmissionBusy while the submission is queued or posting.
func (s *Service) Update(ctx context.Context, id string, fn func(*submission.Submission) error) (*submission.Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.orch.Guard(id); err != nil {
		return nil, err
	}
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sub); err != nil {
		return nil, err
	}
	sub.UpdatedAt = time.Now()
	if err := s.store.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Reschedule sets or clears the one-shot schedule.
func (s *Service) Reschedule(ctx context.Context, id string, sch submission.Schedule) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.orch.Guard(id); err != nil {
		return err
	}
	return s.store.UpdateSchedule(ctx, id, sch)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.orch.Guard(id); err != nil {
		return err
	}
	return s.store.Remove(ctx, id)
}

// QueueNow hands a submission straight to the orchestrator, bypassing its
// schedule.
func (s *Service) QueueNow(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.orch.Enqueue(sub)
}

// CancelPost cancels a queued or in-flight post.
func (s *Service) CancelPost(id string) bool { return s.orch.Cancel(id) }

// Duplicate copies a submission with fresh identities and reset post state.
// Parts whose destination is no longer registered are dropped (capability
// lookup), and a failed copy is deleted before the error surfaces.
func (s *Service) Duplicate(ctx context.Context, id string) (*submission.Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	src, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cp := src.Clone()
	cp.ID = uuid.NewString()
	cp.Title = src.Title + " (copy)"
	cp.Schedule = submission.Schedule{}
	cp.CreatedAt = now
	cp.UpdatedAt = now

	parts := cp.Parts[:0]
	for _, p := range cp.Parts {
		if !p.IsDefault {
			if _, ok := s.registry.Get(p.Destination); !ok {
				s.log.Warn("duplicate drops unknown destination", logx.String("submission", id), logx.String("destination", p.Destination))
				continue
			}
		}
		p.ID = uuid.NewString()
		p.SubmissionID = cp.ID
		p.Status = submission.StatusUnposted
		p.PostedTo = ""
		p.ErrorKind = submission.ErrKindNone
		p.LastError = ""
		parts = append(parts, p)
	}
	cp.Parts = parts
	if len(cp.PostableParts()) == 0 {
		return nil, ErrNoParts
	}

	if err := s.store.Save(ctx, cp); err != nil {
		if rmErr := s.store.Remove(ctx, cp.ID); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
			s.log.Warn("duplicate cleanup failed", logx.String("submission", cp.ID), logx.Err(rmErr))
		}
		return nil, err
	}
	return cp, nil
}

// Split moves the selected parts into a new submission. The default part is
// copied to both halves. On failure the new half is removed before the error
// surfaces; the original is only saved after the new half exists.
func (s *Service) Split(ctx context.Context, id string, partIDs []string) (*submission.Submission, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.orch.Guard(id); err != nil {
		return nil, err
	}
	src, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	selected := map[string]bool{}
	for _, pid := range partIDs {
		selected[pid] = true
	}

	var moved, kept []*submission.Part
	for _, p := range src.PostableParts() {
		if selected[p.ID] {
			moved = append(moved, p)
		} else {
			kept = append(kept, p)
		}
	}
	if len(moved) == 0 || len(kept) == 0 {
		return nil, errors.New("split needs at least one part on each side")
	}

	now := time.Now()
	ns := &submission.Submission{
		ID:          uuid.NewString(),
		Title:       src.Title,
		ContentPath: src.ContentPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if def := src.DefaultPart(); def != nil {
		d := def.Clone()
		d.ID = uuid.NewString()
		d.SubmissionID = ns.ID
		ns.Parts = append(ns.Parts, d)
	}
	for _, p := range moved {
		mp := p.Clone()
		mp.ID = uuid.NewString()
		mp.SubmissionID = ns.ID
		ns.Parts = append(ns.Parts, mp)
	}

	if err := s.store.Save(ctx, ns); err != nil {
		if rmErr := s.store.Remove(ctx, ns.ID); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
			s.log.Warn("split cleanup failed", logx.String("submission", ns.ID), logx.Err(rmErr))
		}
		return nil, err
	}

	remaining := []*submission.Part{}
	if def := src.DefaultPart(); def != nil {
		remaining = append(remaining, def)
	}
	remaining = append(remaining, kept...)
	src.Parts = remaining
	src.UpdatedAt = now
	if err := s.store.Save(ctx, src); err != nil {
		if rmErr := s.store.Remove(ctx, ns.ID); rmErr != nil && !errors.Is(rmErr, store.ErrNotFound) {
			s.log.Warn("split cleanup failed", logx.String("submission", ns.ID), logx.Err(rmErr))
		}
		return nil, err
	}
	return ns, nil
}

// View decorates one submission with the transient orchestrator flags.
func (s *Service) View(ctx context.Context, id string) (submission.View, error) {
	if err := s.ready(); err != nil {
		return submission.View{}, err
	}
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return submission.View{}, err
	}
	return submission.View{
		Submission: sub,
		IsQueued:   s.orch.IsQueued(id),
		IsPosting:  s.orch.IsPosting(id),
	}, nil
}

// List returns every submission decorated with derived flags.
func (s *Service) List(ctx context.Context) ([]submission.View, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	subs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]submission.View, 0, len(subs))
	for _, sub := range subs {
		out = append(out, submission.View{
			Submission: sub,
			IsQueued:   s.orch.IsQueued(sub.ID),
			IsPosting:  s.orch.IsPosting(sub.ID),
		})
	}
	return out, nil
}
