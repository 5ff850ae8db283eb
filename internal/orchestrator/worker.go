package orchestrator

import (
	"context"
	"errors"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/cancel"
	"postflow/internal/submission"
	"postflow/internal/validation"
	logx "postflow/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		sub, tok := s.pop()
		if sub == nil {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-wake:
			}
			continue
		}
		s.deliver(ctx, sub, tok)

		// More work may be waiting behind the one we just took.
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// deliver runs one submission through the validation gate and the
// per-destination dispatch loop. Parts are dispatched sequentially; failure of
// one destination never aborts the others, and cancellation stops everything
// past the current part.
func (s *Service) deliver(ctx context.Context, sub *submission.Submission, tok *cancel.Token) {
	start := time.Now()
	log := s.log.With(logx.String("submission", sub.ID))

	s.publish(EvtPosting, SubmissionEvent{SubmissionID: sub.ID, Time: start})
	log.Info("posting started", logx.Int("parts", len(sub.PostableParts())))

	vres := s.engine.Validate(sub, sub.Parts)
	s.publish(EvtValidation, vres.Ordered)

	def := sub.DefaultPart()
	outcomes := make([]submission.PostOutcome, 0, len(sub.PostableParts()))
	cancelled := false

	for _, part := range sub.PostableParts() {
		if tok.Cancelled() {
			cancelled = true
			break
		}
		// POSTED is terminal: a re-queued submission never re-delivers.
		if part.Status == submission.StatusPosted {
			continue
		}
		if part.Status != submission.StatusQueued {
			continue
		}

		pr, _ := vres.For(part.ID)
		if pr.Blocked() {
			msg := joinProblems(pr.Problems)
			s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindValidationBlocked, msg)
			oc := submission.PostOutcome{
				PartID: part.ID, Destination: part.Destination,
				Status: submission.StatusFailed, Kind: submission.ErrKindValidationBlocked, Error: msg,
			}
			outcomes = append(outcomes, oc)
			s.publish(EvtPartFailed, PartEvent{SubmissionID: sub.ID, Outcome: oc})
			log.Warn("part blocked by validation", logx.String("part", part.ID), logx.String("destination", part.Destination), logx.String("problems", msg))
			continue
		}

		oc := s.dispatchPart(ctx, tok, sub, part, def)
		outcomes = append(outcomes, oc)

		switch {
		case oc.Kind == submission.ErrKindCancelled:
			cancelled = true
		case oc.Status == submission.StatusPosted:
			s.publish(EvtPartPosted, PartEvent{SubmissionID: sub.ID, Outcome: oc})
			log.Info("part posted", logx.String("part", part.ID), logx.String("destination", part.Destination), logx.String("posted_to", oc.PostedTo))
		default:
			s.publish(EvtPartFailed, PartEvent{SubmissionID: sub.ID, Outcome: oc})
			log.Warn("part failed", logx.String("part", part.ID), logx.String("destination", part.Destination), logx.String("err", oc.Error))
		}
		if cancelled {
			break
		}
	}

	if cancelled {
		// Parts not yet attempted go back to UNPOSTED; they were only ever
		// QUEUED and must not read as in-flight after the abort.
		for _, part := range sub.PostableParts() {
			if part.Status == submission.StatusQueued {
				s.setPartStatus(part, submission.StatusUnposted, "", submission.ErrKindNone, "")
			}
		}
	}

	dur := time.Since(start)
	posted, failed := 0, 0
	for _, oc := range outcomes {
		if oc.Status == submission.StatusPosted {
			posted++
		} else {
			failed++
		}
	}

	// The aggregated notification goes out only after every attempted part is
	// terminal, and after the active slot is released so subscribers reading
	// IsPosting observe the final state.
	s.finish(sub.ID, HistoryItem{
		SubmissionID: sub.ID, Started: start, Duration: dur,
		Cancelled: cancelled, Posted: posted, Failed: failed,
	})

	evt := CompletedEvent{SubmissionID: sub.ID, Cancelled: cancelled, Outcomes: outcomes, Duration: dur}
	if cancelled {
		s.publish(EvtCancelled, evt)
		log.Info("posting cancelled", logx.Int("posted", posted), logx.Int("failed", failed), logx.Duration("dur", dur))
	} else {
		s.publish(EvtCompleted, evt)
		log.Info("posting completed", logx.Int("posted", posted), logx.Int("failed", failed), logx.Duration("dur", dur))
	}
}

// dispatchPart performs the POSTING transition and the attempt chain for one
// part: first attempt, then exactly one immediate retry on an ordinary
// failure. Cancellation is never retried.
func (s *Service) dispatchPart(ctx context.Context, tok *cancel.Token, sub *submission.Submission, part, def *submission.Part) submission.PostOutcome {
	a, ok := s.registry.Get(part.Destination)
	if !ok {
		msg := "unknown destination " + part.Destination
		s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindPostFailed, msg)
		return submission.PostOutcome{
			PartID: part.ID, Destination: part.Destination,
			Status: submission.StatusFailed, Kind: submission.ErrKindPostFailed, Error: msg,
		}
	}

	merged := validation.Merge(part, def)
	if caps := a.Capabilities(); caps.MaxTags > 0 && len(merged.Tags) > caps.MaxTags {
		merged.Tags = merged.Tags[:caps.MaxTags]
	}
	data := adapter.PostData{
		SubmissionID: sub.ID,
		PartID:       part.ID,
		Title:        firstNonEmpty(merged.Title, sub.Title),
		Description:  merged.Description,
		Tags:         merged.Tags,
		Rating:       merged.Rating,
		ContentPath:  sub.ContentPath,
		Options:      merged.Options,
	}

	s.setPartStatus(part, submission.StatusPosting, "", submission.ErrKindNone, "")

	const maxAttempts = 2 // one immediate retry, observed transient-failure behavior
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if tok.Cancelled() {
			s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindCancelled, cancel.ErrCancelled.Error())
			return submission.PostOutcome{
				PartID: part.ID, Destination: part.Destination,
				Status: submission.StatusFailed, Kind: submission.ErrKindCancelled, Error: cancel.ErrCancelled.Error(),
			}
		}

		if err := s.registry.WaitTurn(ctx, tok, part.Destination); err != nil {
			lastErr = err
			if errors.Is(err, cancel.ErrCancelled) {
				s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindCancelled, err.Error())
				return submission.PostOutcome{
					PartID: part.ID, Destination: part.Destination,
					Status: submission.StatusFailed, Kind: submission.ErrKindCancelled, Error: err.Error(),
				}
			}
			break
		}

		receipt, err := s.postOnce(ctx, a, tok, data)
		if err == nil {
			// Success discards any earlier failed attempt entirely.
			s.setPartStatus(part, submission.StatusPosted, receipt.PostedTo, submission.ErrKindNone, "")
			return submission.PostOutcome{
				PartID: part.ID, Destination: part.Destination,
				Status: submission.StatusPosted, PostedTo: receipt.PostedTo,
				DestinationResponse: receipt.Response,
			}
		}
		lastErr = err

		if tok.Cancelled() || errors.Is(err, cancel.ErrCancelled) {
			// The in-flight round-trip resolved after the abort request; its
			// result is discarded and no retry happens.
			s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindCancelled, err.Error())
			return submission.PostOutcome{
				PartID: part.ID, Destination: part.Destination,
				Status: submission.StatusFailed, Kind: submission.ErrKindCancelled, Error: err.Error(),
			}
		}
		if IsNoRetry(err) {
			break
		}
		if attempt < maxAttempts {
			s.log.Debug("retrying part after transient failure",
				logx.String("part", part.ID), logx.String("destination", part.Destination), logx.Err(err))
		}
	}

	msg := "post failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	s.setPartStatus(part, submission.StatusFailed, "", submission.ErrKindPostFailed, msg)
	return submission.PostOutcome{
		PartID: part.ID, Destination: part.Destination,
		Status: submission.StatusFailed, Kind: submission.ErrKindPostFailed, Error: msg,
	}
}

// postOnce runs a single adapter call, bounded by PostTimeout, with panic
// containment so a broken adapter reads as a failed attempt.
func (s *Service) postOnce(ctx context.Context, a adapter.Adapter, tok *cancel.Token, data adapter.PostData) (receipt adapter.Receipt, err error) {
	s.mu.Lock()
	timeout := s.cfg.PostTimeout
	s.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var cancelFn context.CancelFunc
		runCtx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}

	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(errors.New("adapter panicked"))
			s.log.Error("adapter panic", logx.String("destination", a.ID()), logx.Any("panic", r))
		}
	}()
	return a.Post(runCtx, tok, data)
}

func joinProblems(problems []string) string {
	switch len(problems) {
	case 0:
		return ""
	case 1:
		return problems[0]
	}
	out := problems[0]
	for _, p := range problems[1:] {
		out += "; " + p
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
