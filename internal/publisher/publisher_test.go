package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/internal/logger"
	"sheetwatch/internal/snapshot"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/logging"
	"sheetwatch/pkg/models"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rows(n int) []models.Row {
	out := make([]models.Row, n)
	for i := range out {
		out[i] = models.Row{Key: fmt.Sprintf("k%03d", i), Values: []string{fmt.Sprintf("k%03d", i), "v"}}
	}
	return out
}

func newPublisher(t *testing.T, store snapshot.Store) *Publisher {
	t.Helper()
	p := New(store, 16, testclock.NewClock(epoch), logger.NopLogger())
	_, err := p.Init(context.Background(), "fort")
	require.NoError(t, err)
	return p
}

func TestCommit_AssignsGapFreeSequence(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	p := newPublisher(t, store)

	for i := 1; i <= 3; i++ {
		rs := rows(10 * i)
		d := snapshot.Diff(p.Accepted("fort"), rs)
		snap, err := p.Commit(ctx, "fort", rs, d, epoch.Add(time.Duration(i)*time.Minute), time.Hour)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), snap.Seq)

		event := <-p.Events()
		assert.Equal(t, models.EventKindDiff, event.Kind)
		assert.Equal(t, uint64(i), event.Seq)
		require.NotNil(t, event.Diff)
		assert.Equal(t, 10*i, event.Diff.RowCount)
		assert.NotEmpty(t, event.ID)
	}

	stored, err := store.Load(ctx, "fort")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stored.Seq)
	assert.Len(t, stored.Rows, 30)
	assert.Equal(t, epoch.Add(3*time.Minute+time.Hour), stored.ExpiresAt)
}

func TestCommit_Bootstrap(t *testing.T) {
	p := newPublisher(t, snapshot.NewMemoryStore())

	rs := rows(50)
	d := snapshot.Diff(nil, rs)
	snap, err := p.Commit(context.Background(), "fort", rs, d, epoch, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), snap.Seq)
	event := <-p.Events()
	assert.Len(t, event.Diff.Diff.Added, 50)
}

func TestCommit_SaveFailureConsumesNoSequence(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	p := newPublisher(t, store)

	_, err := p.Commit(ctx, "fort", rows(5), snapshot.Diff(nil, rows(5)), epoch, time.Hour)
	require.NoError(t, err)
	<-p.Events()

	store.FailSaves(errors.New("disk full"))
	_, err = p.Commit(ctx, "fort", rows(6), models.Diff{}, epoch.Add(time.Minute), time.Hour)
	require.Error(t, err)
	assert.Empty(t, p.Events())
	assert.Equal(t, uint64(1), p.Accepted("fort").Seq)

	store.FailSaves(nil)
	snap, err := p.Commit(ctx, "fort", rows(6), models.Diff{}, epoch.Add(2*time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)
}

func TestCommit_RejectsStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	p := newPublisher(t, snapshot.NewMemoryStore())

	_, err := p.Commit(ctx, "fort", rows(5), models.Diff{}, epoch, time.Hour)
	require.NoError(t, err)
	<-p.Events()

	_, err = p.Commit(ctx, "fort", rows(4), models.Diff{}, epoch.Add(-time.Second), time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrStaleSnapshot)
	assert.Equal(t, uint64(1), p.Accepted("fort").Seq)
	assert.Empty(t, p.Events())
}

func TestCommit_UnknownSource(t *testing.T) {
	p := newPublisher(t, snapshot.NewMemoryStore())

	_, err := p.Commit(context.Background(), "carrier", rows(1), models.Diff{}, epoch, time.Hour)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownSource)
}

func TestReject_CarriesAcceptedSeq(t *testing.T) {
	ctx := logging.WithScanID(WithOrigin(context.Background(), models.OriginTTL), "scan-1")
	p := newPublisher(t, snapshot.NewMemoryStore())

	_, err := p.Commit(ctx, "fort", rows(5), models.Diff{}, epoch, time.Hour)
	require.NoError(t, err)
	<-p.Events()

	verdict := models.Defer(models.ReasonMissingRows, 12*time.Second)
	require.NoError(t, p.Reject(ctx, "fort", verdict, 3, ""))

	event := <-p.Events()
	assert.Equal(t, models.EventKindGuard, event.Kind)
	require.NotNil(t, event.Guard)
	assert.Equal(t, models.VerdictDefer, event.Guard.Verdict)
	assert.Equal(t, models.ReasonMissingRows, event.Guard.Reason)
	assert.Equal(t, 12*time.Second, event.Guard.RetryAfter)
	assert.Equal(t, uint64(1), event.Guard.AcceptedSeq)
	assert.Equal(t, 3, event.Guard.Removed)
	assert.Equal(t, "scan-1", event.Metadata.ScanID)
	assert.Equal(t, models.OriginTTL, event.Metadata.Origin)

	assert.Equal(t, uint64(1), p.Accepted("fort").Seq)
}

func TestInit_LoadsExistingSnapshot(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	require.NoError(t, store.Save(ctx, &models.Snapshot{SourceID: "fort", Seq: 7, Rows: rows(2), CapturedAt: epoch}))

	p := New(store, 1, testclock.NewClock(epoch), logger.NopLogger())
	snap, err := p.Init(ctx, "fort")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(7), snap.Seq)

	next, err := p.Commit(ctx, "fort", rows(2), models.Diff{}, epoch.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next.Seq)
}

func TestCommit_KeepsEventWhenQueueBlockedAtShutdown(t *testing.T) {
	store := snapshot.NewMemoryStore()
	p := New(store, 1, testclock.NewClock(epoch), logger.NopLogger())
	_, err := p.Init(context.Background(), "fort")
	require.NoError(t, err)

	_, err = p.Commit(context.Background(), "fort", rows(1), models.Diff{}, epoch, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := p.Commit(ctx, "fort", rows(2), models.Diff{}, epoch.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)

	first := <-p.Events()
	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, p.Events())

	stored, err := store.Load(context.Background(), "fort")
	require.NoError(t, err)
	require.Len(t, stored.Pending, 2)
	assert.Equal(t, uint64(2), stored.Pending[1].Seq)

	// A restarted publisher replays both unconfirmed events in order.
	restarted := New(store, 4, testclock.NewClock(epoch), logger.NopLogger())
	_, err = restarted.Init(context.Background(), "fort")
	require.NoError(t, err)

	replayed := []uint64{(<-restarted.Events()).Seq, (<-restarted.Events()).Seq}
	assert.Equal(t, []uint64{1, 2}, replayed)
}

func TestCommit_FlushesEventLeftBehindEarlier(t *testing.T) {
	p := New(snapshot.NewMemoryStore(), 1, testclock.NewClock(epoch), logger.NopLogger())
	_, err := p.Init(context.Background(), "fort")
	require.NoError(t, err)

	_, err = p.Commit(context.Background(), "fort", rows(1), models.Diff{}, epoch, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Commit(ctx, "fort", rows(2), models.Diff{}, epoch.Add(time.Minute), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), (<-p.Events()).Seq)

	done := make(chan error, 1)
	go func() {
		_, err := p.Commit(context.Background(), "fort", rows(3), models.Diff{}, epoch.Add(2*time.Minute), time.Hour)
		done <- err
	}()

	assert.Equal(t, uint64(2), (<-p.Events()).Seq)
	assert.Equal(t, uint64(3), (<-p.Events()).Seq)
	require.NoError(t, <-done)
}

func TestAck_TrimsPendingEvents(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	p := newPublisher(t, store)

	for i := 1; i <= 3; i++ {
		_, err := p.Commit(ctx, "fort", rows(i), models.Diff{}, epoch.Add(time.Duration(i)*time.Minute), time.Hour)
		require.NoError(t, err)
	}
	events := []models.Event{<-p.Events(), <-p.Events(), <-p.Events()}

	require.NoError(t, p.Ack(ctx, events[1]))
	require.NoError(t, p.Ack(ctx, events[0]))

	stored, err := store.Load(ctx, "fort")
	require.NoError(t, err)
	require.Len(t, stored.Pending, 1)
	assert.Equal(t, uint64(3), stored.Pending[0].Seq)

	_, err = p.Commit(ctx, "fort", rows(4), models.Diff{}, epoch.Add(4*time.Minute), time.Hour)
	require.NoError(t, err)
	stored, err = store.Load(ctx, "fort")
	require.NoError(t, err)
	require.Len(t, stored.Pending, 2)
	assert.Equal(t, uint64(3), stored.Pending[0].Seq)

	guard := models.Event{Kind: models.EventKindGuard, SourceID: "fort", Seq: 4}
	assert.NoError(t, p.Ack(ctx, guard))
	assert.ErrorIs(t, p.Ack(ctx, models.Event{Kind: models.EventKindDiff, SourceID: "carrier", Seq: 1}), pkgerrors.ErrUnknownSource)
}
