package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"sheetwatch/internal/guard"
	"sheetwatch/internal/publisher"
	"sheetwatch/internal/sheets"
	"sheetwatch/internal/snapshot"
	"sheetwatch/pkg/logging"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
	"sheetwatch/pkg/retry"
	"sheetwatch/pkg/tracing"
)

const (
	outcomeAccepted     = "accepted"
	outcomeDeferred     = "deferred"
	outcomeAborted      = "aborted"
	outcomeExhausted    = "fetch_exhausted"
	outcomePermanent    = "fetch_permanent"
	outcomeCommitFailed = "commit_failed"
	outcomeCancelled    = "cancelled"
)

type result struct {
	outcome    string
	verdict    models.Verdict
	retryAfter time.Duration
}

func (sc *Scheduler) runner(ctx context.Context, s *source) {
	defer sc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			sc.run(ctx, s)
		}
	}
}

func (sc *Scheduler) run(ctx context.Context, s *source) {
	s.mu.Lock()
	j := s.job
	if j == nil || !j.due || j.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	j.state = StateRunning
	j.attemptCount = 0
	origin := j.origin
	eventCount := j.eventCount
	s.lastAttemptAt = sc.clock.Now()
	s.mu.Unlock()

	s.fetchToken <- struct{}{}
	defer func() { <-s.fetchToken }()

	ctx = logging.WithSourceID(ctx, s.cfg.ID)
	ctx = logging.WithScanID(ctx, uuid.New().String())
	ctx = publisher.WithOrigin(ctx, origin)

	ctx, span := tracing.GetTracer("sheetwatch/scan").Start(ctx, "scan "+s.cfg.ID)
	defer span.End()
	if spanCtx := span.SpanContext(); spanCtx.HasTraceID() {
		ctx = logging.WithTraceID(ctx, spanCtx.TraceID().String())
	}
	span.SetAttributes(
		attribute.String("source.id", s.cfg.ID),
		attribute.String("scan.origin", origin),
		attribute.Int("scan.event_count", eventCount),
	)

	start := sc.clock.Now()
	sc.logger.DebugwCtx(ctx, "Scan started", "origin", origin, "events", eventCount)

	res := sc.scan(ctx, s)

	metrics.ObserveScan(s.cfg.ID, res.outcome, sc.clock.Now().Sub(start))
	span.SetAttributes(attribute.String("scan.outcome", res.outcome))
	if res.outcome != outcomeAccepted && res.outcome != outcomeDeferred {
		span.SetStatus(codes.Error, res.outcome)
	}

	sc.finish(s, res)
}

// scan fetches, parses, diffs and guards one source, then hands the verdict to
// the publisher.
func (sc *Scheduler) scan(ctx context.Context, s *source) result {
	id := s.cfg.ID

	raw, err := sc.fetch(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return result{outcome: outcomeCancelled}
		}
		return sc.fetchFailed(ctx, s, err)
	}

	rows, err := s.parser.Parse(ctx, raw)
	if err != nil {
		return sc.fetchFailed(ctx, s, err)
	}
	capturedAt := sc.clock.Now()

	previous := sc.publisher.Accepted(id)
	d := snapshot.Diff(previous, rows)
	verdict := guard.Evaluate(s.cfg, previous, d)

	metrics.AddDiffRows(id, len(d.Added), len(d.Removed), len(d.Changed))
	metrics.IncGuardVerdict(id, string(verdict.Kind), verdict.Reason)

	switch verdict.Kind {
	case models.VerdictAccept:
		if d.Empty() && previous != nil {
			sc.logger.DebugwCtx(ctx, "Scan found no changes", "rows", len(rows))
		}
		if _, err := sc.publisher.Commit(ctx, id, rows, d, capturedAt, s.cfg.TTL); err != nil {
			if ctx.Err() != nil {
				return result{outcome: outcomeCancelled}
			}
			sc.logger.ErrorwCtx(ctx, "Failed to commit snapshot", "error", err)
			return result{outcome: outcomeCommitFailed}
		}
		return result{outcome: outcomeAccepted, verdict: verdict}

	case models.VerdictDefer:
		s.mu.Lock()
		retrying := s.deferRetries < sc.cfg.DeferMaxRetries
		if retrying {
			s.deferRetries++
		} else {
			s.alert = true
		}
		attempt := s.deferRetries
		s.mu.Unlock()

		if !retrying {
			metrics.SetSourceFlag(id, "alert", true)
			sc.logger.ErrorwCtx(ctx, "Scan deferred too many times, raising alert",
				"removed", len(d.Removed),
				"defer_retries", attempt,
			)
			sc.reject(ctx, id, models.Verdict{Kind: models.VerdictDefer, Reason: models.ReasonDeferredAlert}, len(d.Removed), "")
			return result{outcome: outcomeDeferred, verdict: verdict}
		}

		sc.logger.WarnwCtx(ctx, "Scan deferred, rows missing",
			"removed", len(d.Removed),
			"retry_after", verdict.RetryAfter,
			"defer_retry", attempt,
		)
		sc.reject(ctx, id, verdict, len(d.Removed), "")
		return result{outcome: outcomeDeferred, verdict: verdict, retryAfter: verdict.RetryAfter}

	default:
		s.mu.Lock()
		s.poisoned = true
		s.mu.Unlock()
		metrics.SetSourceFlag(id, "poisoned", true)

		sc.logger.ErrorwCtx(ctx, "Scan aborted, source poisoned until acknowledged",
			"reason", verdict.Reason,
			"removed", len(d.Removed),
			"accepted_rows", previous.Len(),
			"fetched_rows", len(rows),
		)
		sc.reject(ctx, id, verdict, len(d.Removed), "")
		return result{outcome: outcomeAborted, verdict: verdict}
	}
}

func (sc *Scheduler) fetchFailed(ctx context.Context, s *source, err error) result {
	id := s.cfg.ID
	fetchErr := sheets.AsFetchError(id, err)

	if fetchErr.Kind == sheets.Permanent {
		s.mu.Lock()
		s.poisoned = true
		s.mu.Unlock()
		metrics.SetSourceFlag(id, "poisoned", true)
		metrics.IncGuardVerdict(id, string(models.VerdictAbort), models.ReasonFetchPermanent)

		sc.logger.ErrorwCtx(ctx, "Permanent fetch failure, source poisoned until acknowledged",
			"reason", fetchErr.Reason,
			"error", err,
		)
		verdict := models.Abort(models.ReasonFetchPermanent)
		sc.reject(ctx, id, verdict, 0, fetchErr.Error())
		return result{outcome: outcomePermanent, verdict: verdict}
	}

	s.mu.Lock()
	s.stalled = true
	s.mu.Unlock()
	metrics.SetSourceFlag(id, "stalled", true)
	metrics.IncGuardVerdict(id, string(models.VerdictAbort), models.ReasonFetchExhausted)

	sc.logger.ErrorwCtx(ctx, "Fetch attempts exhausted, source stalled until next change",
		"reason", fetchErr.Reason,
		"attempts", sc.policy.MaxAttempts,
		"error", err,
	)
	verdict := models.Abort(models.ReasonFetchExhausted)
	sc.reject(ctx, id, verdict, 0, fetchErr.Error())
	return result{outcome: outcomeExhausted, verdict: verdict}
}

func (sc *Scheduler) reject(ctx context.Context, sourceID string, verdict models.Verdict, removed int, detail string) {
	if err := sc.publisher.Reject(ctx, sourceID, verdict, removed, detail); err != nil {
		sc.logger.ErrorwCtx(ctx, "Failed to publish guard event", "reason", verdict.Reason, "error", err)
	}
}

// fetch retries transient failures with backoff. Each attempt takes a slot of
// the global limiter only for the duration of the request.
func (sc *Scheduler) fetch(ctx context.Context, s *source) (models.RawRows, error) {
	id := s.cfg.ID
	var raw models.RawRows

	attempt := func() error {
		s.mu.Lock()
		if s.job != nil {
			s.job.attemptCount++
		}
		s.mu.Unlock()

		if err := sc.limiter.Acquire(ctx, 1); err != nil {
			return retry.NewFatalError(err)
		}
		defer sc.limiter.Release(1)
		metrics.FetchesInFlight.Inc()
		defer metrics.FetchesInFlight.Dec()

		fetchCtx, cancel := context.WithTimeout(ctx, sc.cfg.FetchTimeout)
		defer cancel()

		start := sc.clock.Now()
		rows, err := sc.client.Fetch(fetchCtx, id)
		elapsed := sc.clock.Now().Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				metrics.ObserveFetch(id, "cancelled", elapsed)
				return retry.NewFatalError(ctx.Err())
			}
			fetchErr := sheets.AsFetchError(id, err)
			metrics.ObserveFetch(id, fetchErr.Reason, elapsed)
			if fetchErr.Kind == sheets.Permanent {
				return retry.NewFatalError(fetchErr)
			}
			return fetchErr
		}

		metrics.ObserveFetch(id, "success", elapsed)
		raw = rows
		return nil
	}

	onRetry := func(n int, err error, next time.Duration) {
		sc.logger.WarnwCtx(ctx, "Fetch failed, retrying",
			"attempt", n,
			"max_attempts", sc.policy.MaxAttempts,
			"next_delay", next,
			"error", err,
		)
	}

	if err := retry.Do(ctx, sc.policy, attempt, append(sc.retryOpts, retry.OnRetry(onRetry))...); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return raw, nil
}

// finish moves the job to its next state and arms the follow-up timer.
func (sc *Scheduler) finish(s *source, res result) {
	accepted := sc.publisher.Accepted(s.cfg.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastOutcome = res.outcome
	if res.outcome == outcomeAccepted {
		s.deferRetries = 0
		if s.alert {
			s.alert = false
			metrics.SetSourceFlag(s.cfg.ID, "alert", false)
		}
	}

	if res.outcome == outcomeCancelled || sc.closed.Load() {
		s.job = nil
		s.dirty = false
		return
	}

	if s.poisoned {
		s.job = nil
		s.dirty = false
		sc.stopTimerLocked(s)
		return
	}

	if s.dirty {
		// A change arrived while running; treat it as a fresh burst.
		now := sc.clock.Now()
		s.dirty = false
		if s.stalled {
			s.stalled = false
			metrics.SetSourceFlag(s.cfg.ID, "stalled", false)
		}
		s.job = &job{
			state:        StatePending,
			firstEventAt: now,
			lastEventAt:  now,
			eventCount:   1,
			origin:       s.job.origin,
		}
		sc.armDebounceLocked(s)
		return
	}

	s.job = nil
	switch {
	case s.stalled:
		sc.stopTimerLocked(s)
	case res.retryAfter > 0:
		sc.armLocked(s, res.retryAfter, timerDeferRetry)
	default:
		sc.armTTLLocked(s, accepted)
	}
}
