// Package scan turns change notifications into guarded, ordered snapshot
// updates. Each source has its own state machine and runner goroutine; fetches
// across sources share a global concurrency limit.
package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/internal/publisher"
	"sheetwatch/internal/sheets"
	"sheetwatch/internal/snapshot"
	"sheetwatch/pkg/cel"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
	"sheetwatch/pkg/retry"
)

type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

type timerKind int

const (
	timerDebounce timerKind = iota
	timerTTL
	timerDeferRetry
)

// job is the single live scan intent of a source.
type job struct {
	state        State
	firstEventAt time.Time
	lastEventAt  time.Time
	scheduledAt  time.Time
	attemptCount int
	eventCount   int
	origin       string
	due          bool
}

type source struct {
	cfg    config.SourceConfig
	parser *snapshot.Parser

	// fetchToken is held from the moment a job starts running until its
	// verdict has been applied.
	fetchToken chan struct{}
	wake       chan struct{}

	mu            sync.Mutex
	job           *job
	dirty         bool
	poisoned      bool
	stalled       bool
	alert         bool
	deferRetries  int
	lastAttemptAt time.Time
	lastOutcome   string
	timer         clock.Timer
	timerGen      uint64
}

func (s *source) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(sc *Scheduler) {
		sc.clock = clk
	}
}

// WithRetryJitter sets the randomization factor of fetch backoff.
func WithRetryJitter(factor float64) Option {
	return func(sc *Scheduler) {
		sc.retryOpts = append(sc.retryOpts, retry.WithJitter(factor))
	}
}

type Scheduler struct {
	cfg       config.ScanConfig
	client    sheets.Client
	publisher *publisher.Publisher
	limiter   *semaphore.Weighted
	clock     clock.Clock
	logger    logger.Logger
	policy    retry.Policy
	retryOpts []retry.Option

	sources map[string]*source
	order   []string

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates every source and builds its parser. Configuration problems
// are returned as *config.ScheduleConfigError or *config.ValidationError.
func New(
	cfg config.ScanConfig,
	sources []config.SourceConfig,
	client sheets.Client,
	pub *publisher.Publisher,
	evaluator *cel.Evaluator,
	log logger.Logger,
	opts ...Option,
) (*Scheduler, error) {
	if cfg.MaxConcurrentFetches <= 0 {
		return nil, &config.ValidationError{Field: "scan.max_concurrent_fetches", Message: "must be positive"}
	}

	sc := &Scheduler{
		cfg:       cfg,
		client:    client,
		publisher: pub,
		limiter:   semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		clock:     clock.WallClock,
		logger:    log,
		policy:    retry.PolicyFromConfig(cfg.FetchRetry),
		sources:   make(map[string]*source, len(sources)),
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.retryOpts = append(sc.retryOpts, retry.WithClock(sc.clock))

	for _, srcCfg := range sources {
		if err := config.ValidateSource(evaluator, srcCfg); err != nil {
			return nil, err
		}
		if _, dup := sc.sources[srcCfg.ID]; dup {
			return nil, &config.ValidationError{Field: "sources", Message: fmt.Sprintf("duplicate source id: %s", srcCfg.ID)}
		}

		parser, err := snapshot.NewParser(srcCfg, evaluator)
		if err != nil {
			return nil, err
		}

		sc.sources[srcCfg.ID] = &source{
			cfg:        srcCfg,
			parser:     parser,
			fetchToken: make(chan struct{}, 1),
			wake:       make(chan struct{}, 1),
		}
		sc.order = append(sc.order, srcCfg.ID)
	}

	return sc, nil
}

// Start loads the accepted snapshot of every source, starts the runners and
// schedules startup work: a bootstrap scan for sources that were never
// accepted and a ttl rescan timer for the rest.
func (sc *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sc.cancel = cancel

	for _, id := range sc.order {
		s := sc.sources[id]

		accepted, err := sc.publisher.Init(ctx, id)
		if err != nil {
			cancel()
			return err
		}

		sc.wg.Add(1)
		go sc.runner(runCtx, s)

		s.mu.Lock()
		if accepted == nil {
			sc.intentLocked(s, models.OriginStartup)
		} else {
			sc.armTTLLocked(s, accepted)
		}
		s.mu.Unlock()
	}

	sc.logger.Infow("Scan scheduler started", "sources", len(sc.order))
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) error {
	if err := sc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	sc.Stop()
	return nil
}

// Stop cancels running scans, disarms every timer and waits for the runners.
func (sc *Scheduler) Stop() {
	if !sc.closed.CompareAndSwap(false, true) {
		return
	}

	for _, s := range sc.sources {
		s.mu.Lock()
		sc.stopTimerLocked(s)
		s.mu.Unlock()
	}

	if sc.cancel != nil {
		sc.cancel()
	}
	sc.wg.Wait()
	sc.logger.Infow("Scan scheduler stopped")
}

func (sc *Scheduler) lookup(sourceID string) (*source, error) {
	if sc.closed.Load() {
		return nil, pkgerrors.ErrSchedulerClosed
	}
	s, ok := sc.sources[sourceID]
	if !ok {
		return nil, pkgerrors.ErrUnknownSource.WithDetail("source_id", sourceID)
	}
	return s, nil
}

// Notify coalesces a change event into the pending scan of its source. It
// never blocks on a fetch.
func (sc *Scheduler) Notify(event models.ChangeEvent) error {
	s, err := sc.lookup(event.SourceID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			metrics.IncChangeEvent("unknown", event.Origin, "unknown_source")
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		metrics.IncChangeEvent(event.SourceID, event.Origin, "dropped")
		return pkgerrors.ErrSourcePoisoned.WithDetail("source_id", event.SourceID)
	}

	if s.stalled {
		s.stalled = false
		metrics.SetSourceFlag(event.SourceID, "stalled", false)
	}

	// Debounce and ttl run from receipt. ObservedAt is the sender's clock and
	// may trail it by a broker backlog.
	observed := sc.clock.Now()

	switch {
	case s.job == nil:
		s.job = &job{
			state:        StatePending,
			firstEventAt: observed,
			lastEventAt:  observed,
			eventCount:   1,
			origin:       event.Origin,
		}
		sc.armDebounceLocked(s)
		metrics.IncChangeEvent(event.SourceID, event.Origin, "scheduled")

	case s.job.state == StateRunning:
		s.dirty = true
		metrics.IncChangeEvent(event.SourceID, event.Origin, "dirty")

	default:
		s.job.lastEventAt = observed
		s.job.eventCount++
		if !s.job.due {
			sc.armDebounceLocked(s)
		}
		metrics.IncChangeEvent(event.SourceID, event.Origin, "coalesced")
	}

	return nil
}

// armDebounceLocked arms the job to fire at the debounce deadline, capped by
// the hard ceiling of first event plus ttl.
func (sc *Scheduler) armDebounceLocked(s *source) {
	fireAt := s.job.lastEventAt.Add(s.cfg.DebounceDelay)
	if ceiling := s.job.firstEventAt.Add(s.cfg.TTL); ceiling.Before(fireAt) {
		fireAt = ceiling
	}

	s.job.state = StateScheduled
	s.job.scheduledAt = fireAt

	delay := fireAt.Sub(sc.clock.Now())
	if delay <= 0 {
		sc.stopTimerLocked(s)
		s.job.due = true
		s.signal()
		return
	}
	sc.armLocked(s, delay, timerDebounce)
}

// intentLocked schedules an immediate scan. An existing job absorbs it.
func (sc *Scheduler) intentLocked(s *source, origin string) {
	now := sc.clock.Now()

	if s.job != nil {
		if s.job.state == StateRunning {
			s.dirty = true
			return
		}
		s.job.lastEventAt = now
		s.job.eventCount++
	} else {
		s.job = &job{
			firstEventAt: now,
			lastEventAt:  now,
			origin:       origin,
		}
	}

	sc.stopTimerLocked(s)
	s.job.state = StateScheduled
	s.job.scheduledAt = now
	s.job.due = true
	s.signal()
	metrics.IncChangeEvent(s.cfg.ID, origin, "scheduled")
}

// armTTLLocked arms the rescan timer of an idle source. The window starts at
// the later of the accepted capture and the last attempt.
func (sc *Scheduler) armTTLLocked(s *source, accepted *models.Snapshot) {
	base := s.lastAttemptAt
	if accepted != nil && accepted.CapturedAt.After(base) {
		base = accepted.CapturedAt
	}

	delay := base.Add(s.cfg.TTL).Sub(sc.clock.Now())
	if delay <= 0 {
		sc.intentLocked(s, models.OriginTTL)
		return
	}
	sc.armLocked(s, delay, timerTTL)
}

func (sc *Scheduler) armLocked(s *source, delay time.Duration, kind timerKind) {
	sc.stopTimerLocked(s)
	s.timerGen++
	gen := s.timerGen
	s.timer = sc.clock.AfterFunc(delay, func() {
		sc.onTimer(s, gen, kind)
	})
}

func (sc *Scheduler) stopTimerLocked(s *source) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (sc *Scheduler) onTimer(s *source, gen uint64, kind timerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || sc.closed.Load() {
		return
	}
	s.timer = nil

	switch kind {
	case timerDebounce:
		if s.job != nil && s.job.state == StateScheduled {
			s.job.due = true
			s.signal()
		}
	case timerTTL:
		if s.job == nil && !s.poisoned && !s.stalled {
			sc.intentLocked(s, models.OriginTTL)
		}
	case timerDeferRetry:
		if s.job == nil && !s.poisoned {
			sc.intentLocked(s, models.OriginDeferRetry)
		}
	}
}
