// Package publisher owns the accepted snapshot of every source and emits the
// ordered outbound event stream.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"sheetwatch/internal/logger"
	"sheetwatch/internal/snapshot"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/logging"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
)

// sourceState serializes commits with mu. pendingMu guards the unconfirmed
// diff events separately so broker acknowledgements never wait on a commit.
type sourceState struct {
	mu       sync.Mutex
	accepted *models.Snapshot
	emitted  uint64

	pendingMu sync.Mutex
	pending   []models.Event
	acked     uint64
}

func (st *sourceState) unpublished() []models.Event {
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	return snapshot.Unpublished(st.pending, st.acked)
}

func (st *sourceState) setPending(events []models.Event) {
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	st.pending = snapshot.Unpublished(events, st.acked)
}

// Publisher is the only writer of accepted snapshots. Commits for one source
// are serialized; different sources commit independently.
type Publisher struct {
	store  snapshot.Store
	out    chan models.Event
	clock  clock.Clock
	logger logger.Logger

	mu      sync.RWMutex
	sources map[string]*sourceState
}

func New(store snapshot.Store, buffer int, clk clock.Clock, log logger.Logger) *Publisher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Publisher{
		store:   store,
		out:     make(chan models.Event, buffer),
		clock:   clk,
		logger:  log,
		sources: make(map[string]*sourceState),
	}
}

// Events is the outbound stream. It is closed by Close.
func (p *Publisher) Events() <-chan models.Event {
	return p.out
}

// Init loads the accepted snapshot of a source from the store and replays
// the diff events the broker never confirmed. A nil snapshot means the
// source has never been accepted.
func (p *Publisher) Init(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	snap, err := p.store.Load(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", sourceID, err)
	}

	st := &sourceState{accepted: snap}
	if snap != nil {
		st.pending = snap.Pending
	}

	p.mu.Lock()
	p.sources[sourceID] = st
	p.mu.Unlock()

	metrics.SetAcceptedSeq(sourceID, snap.AcceptedSeq())

	if len(st.pending) > 0 {
		p.logger.InfowCtx(ctx, "Replaying unconfirmed diff events",
			"source_id", sourceID,
			"count", len(st.pending),
			"from_seq", st.pending[0].Seq,
		)
	}
	st.mu.Lock()
	p.flush(ctx, st)
	st.mu.Unlock()

	return snap, nil
}

func (p *Publisher) state(sourceID string) (*sourceState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.sources[sourceID]
	if !ok {
		return nil, pkgerrors.ErrUnknownSource.WithDetail("source_id", sourceID)
	}
	return st, nil
}

// Accepted returns the authoritative snapshot of a source, or nil.
func (p *Publisher) Accepted(sourceID string) *models.Snapshot {
	st, err := p.state(sourceID)
	if err != nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.accepted
}

// Commit makes rows the accepted snapshot of the source and emits a
// DiffEvent. The event is saved with the snapshot and stays pending until
// Ack, so it survives a shutdown before it reaches the broker. A failed Save
// emits nothing and consumes no sequence number.
func (p *Publisher) Commit(ctx context.Context, sourceID string, rows []models.Row, d models.Diff, capturedAt time.Time, ttl time.Duration) (*models.Snapshot, error) {
	st, err := p.state(sourceID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.accepted != nil && capturedAt.Before(st.accepted.CapturedAt) {
		return nil, pkgerrors.ErrStaleSnapshot.
			WithDetail("source_id", sourceID).
			WithDetail("accepted_captured_at", st.accepted.CapturedAt)
	}

	seq := st.accepted.AcceptedSeq() + 1
	event := models.Event{
		ID:        uuid.New().String(),
		Kind:      models.EventKindDiff,
		SourceID:  sourceID,
		Seq:       seq,
		Timestamp: p.clock.Now().UTC(),
		Diff: &models.DiffEvent{
			SourceID:   sourceID,
			Seq:        seq,
			Diff:       d,
			CapturedAt: capturedAt,
			RowCount:   len(rows),
		},
		Metadata: metadata(ctx),
	}

	snap := &models.Snapshot{
		SourceID:   sourceID,
		Seq:        seq,
		Rows:       rows,
		CapturedAt: capturedAt,
		ExpiresAt:  capturedAt.Add(ttl),
		Pending:    append(st.unpublished(), event),
	}

	if err := p.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot %s/%d: %w", sourceID, snap.Seq, err)
	}
	st.accepted = snap
	st.setPending(snap.Pending)
	metrics.SetAcceptedSeq(sourceID, snap.Seq)

	p.flush(ctx, st)

	p.logger.InfowCtx(ctx, "Snapshot accepted",
		"seq", snap.Seq,
		"rows", len(rows),
		"added", len(d.Added),
		"removed", len(d.Removed),
		"changed", len(d.Changed),
	)

	return snap, nil
}

// Reject emits a GuardEvent for a verdict that did not accept. The accepted
// snapshot and sequence are untouched.
func (p *Publisher) Reject(ctx context.Context, sourceID string, verdict models.Verdict, removed int, detail string) error {
	st, err := p.state(sourceID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	acceptedSeq := st.accepted.AcceptedSeq()
	st.mu.Unlock()

	p.send(ctx, models.Event{
		ID:        uuid.New().String(),
		Kind:      models.EventKindGuard,
		SourceID:  sourceID,
		Seq:       acceptedSeq,
		Timestamp: p.clock.Now().UTC(),
		Guard: &models.GuardEvent{
			SourceID:    sourceID,
			Verdict:     verdict.Kind,
			Reason:      verdict.Reason,
			RetryAfter:  verdict.RetryAfter,
			AcceptedSeq: acceptedSeq,
			Removed:     removed,
			Detail:      detail,
		},
		Metadata: metadata(ctx),
	})

	return nil
}

// Ack records that event reached the broker. Diff events up to its seq stop
// being pending, in memory and in the store.
func (p *Publisher) Ack(ctx context.Context, event models.Event) error {
	if event.Kind != models.EventKindDiff {
		return nil
	}
	st, err := p.state(event.SourceID)
	if err != nil {
		return err
	}

	st.pendingMu.Lock()
	if event.Seq <= st.acked {
		st.pendingMu.Unlock()
		return nil
	}
	st.acked = event.Seq
	st.pending = snapshot.Unpublished(st.pending, st.acked)
	st.pendingMu.Unlock()

	if err := p.store.MarkPublished(ctx, event.SourceID, event.Seq); err != nil {
		return fmt.Errorf("failed to mark %s/%d published: %w", event.SourceID, event.Seq, err)
	}
	return nil
}

// flush hands pending diff events not yet sent by this process to the
// outbound stream, in seq order. st.mu must be held. Events it cannot send
// before ctx ends stay pending and are sent by the next flush.
func (p *Publisher) flush(ctx context.Context, st *sourceState) {
	for _, event := range st.unpublished() {
		if event.Seq <= st.emitted {
			continue
		}
		if !p.send(ctx, event) {
			return
		}
		st.emitted = event.Seq
	}
}

func (p *Publisher) send(ctx context.Context, event models.Event) bool {
	select {
	case p.out <- event:
		metrics.IncPublishedEvent(event.SourceID, string(event.Kind))
		metrics.SetOutboundQueueSize(len(p.out))
		return true
	case <-ctx.Done():
		p.logger.WarnwCtx(ctx, "Outbound event not queued",
			"event_id", event.ID,
			"kind", event.Kind,
			"seq", event.Seq,
			"kept_pending", event.Kind == models.EventKindDiff,
			"error", ctx.Err(),
		)
		return false
	}
}

// Close closes the outbound stream. No Commit or Reject may follow.
func (p *Publisher) Close() {
	close(p.out)
}

func metadata(ctx context.Context) models.Metadata {
	return models.Metadata{
		TraceID: logging.GetTraceID(ctx),
		ScanID:  logging.GetScanID(ctx),
		Origin:  originFromContext(ctx),
	}
}

type originKey struct{}

// WithOrigin records the origin of the scan job producing events on ctx.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}
