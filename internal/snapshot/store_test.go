package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/models"
)

var capturedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	snap, err := store.Load(ctx, "fort")
	require.NoError(t, err)
	assert.Nil(t, snap)

	original := &models.Snapshot{SourceID: "fort", Seq: 1, Rows: makeRows(3, "a"), CapturedAt: capturedAt}
	require.NoError(t, store.Save(ctx, original))

	original.Rows[0].Values[1] = "mutated"

	loaded, err := store.Load(ctx, "fort")
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.Rows[0].Values[1])

	store.FailSaves(errors.New("boom"))
	assert.Error(t, store.Save(ctx, &models.Snapshot{SourceID: "fort", Seq: 2}))

	loaded, err = store.Load(ctx, "fort")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Seq)
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*models.Snapshot
	err     error
}

func (h *fakeHistory) Append(ctx context.Context, snap *models.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, snap)
	return nil
}

func (h *fakeHistory) Recent(ctx context.Context, sourceID string, limit int64) ([]HistoryEntry, error) {
	return nil, nil
}

func TestArchivingStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	history := &fakeHistory{}
	store := NewArchivingStore(inner, history, logger.NopLogger())

	snap := &models.Snapshot{SourceID: "um", Seq: 1, Rows: makeRows(2, "a"), CapturedAt: capturedAt}
	require.NoError(t, store.Save(ctx, snap))
	assert.Len(t, history.entries, 1)

	history.err = errors.New("mongo down")
	require.NoError(t, store.Save(ctx, &models.Snapshot{SourceID: "um", Seq: 2, CapturedAt: capturedAt}))
	assert.Len(t, history.entries, 1)

	loaded, err := store.Load(ctx, "um")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Seq)

	inner.FailSaves(errors.New("postgres down"))
	history.err = nil
	assert.Error(t, store.Save(ctx, &models.Snapshot{SourceID: "um", Seq: 3}))
	assert.Len(t, history.entries, 1)
}

type failingStore struct {
	err   error
	calls int
}

func (s *failingStore) Load(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	s.calls++
	return nil, s.err
}

func (s *failingStore) Save(ctx context.Context, snap *models.Snapshot) error {
	s.calls++
	return s.err
}

func (s *failingStore) MarkPublished(ctx context.Context, sourceID string, seq uint64) error {
	s.calls++
	return s.err
}

func TestCircuitBreakerStore(t *testing.T) {
	cfg := config.CircuitBreakerConfig{Enabled: true, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 2}

	t.Run("opens on database failures", func(t *testing.T) {
		inner := &failingStore{err: errors.New("connection refused")}
		store := NewCircuitBreakerStore(inner, cfg)

		for i := 0; i < 2; i++ {
			_, err := store.Load(context.Background(), "kos")
			require.Error(t, err)
		}
		assert.True(t, store.IsOpen())

		_, err := store.Load(context.Background(), "kos")
		require.Error(t, err)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("stale writes do not trip", func(t *testing.T) {
		inner := &failingStore{err: pkgerrors.ErrStaleSnapshot}
		store := NewCircuitBreakerStore(inner, cfg)

		for i := 0; i < 4; i++ {
			err := store.Save(context.Background(), &models.Snapshot{SourceID: "kos"})
			assert.ErrorIs(t, err, pkgerrors.ErrStaleSnapshot)
		}
		assert.False(t, store.IsOpen())
		assert.Equal(t, 4, inner.calls)
	})

	t.Run("disabled passes through", func(t *testing.T) {
		inner := &failingStore{err: errors.New("boom")}
		store := NewCircuitBreakerStore(inner, config.CircuitBreakerConfig{})

		for i := 0; i < 5; i++ {
			_, err := store.Load(context.Background(), "kos")
			require.Error(t, err)
		}
		assert.False(t, store.IsOpen())
		assert.Equal(t, 5, inner.calls)
	})
}

func TestMemoryStoreMarkPublished(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	pending := []models.Event{
		{ID: "e1", Kind: models.EventKindDiff, SourceID: "fort", Seq: 1},
		{ID: "e2", Kind: models.EventKindDiff, SourceID: "fort", Seq: 2},
	}
	require.NoError(t, store.Save(ctx, &models.Snapshot{SourceID: "fort", Seq: 2, Pending: pending}))

	require.NoError(t, store.MarkPublished(ctx, "fort", 1))
	loaded, err := store.Load(ctx, "fort")
	require.NoError(t, err)
	require.Len(t, loaded.Pending, 1)
	assert.Equal(t, uint64(2), loaded.Pending[0].Seq)

	require.NoError(t, store.MarkPublished(ctx, "fort", 2))
	loaded, err = store.Load(ctx, "fort")
	require.NoError(t, err)
	assert.Empty(t, loaded.Pending)

	assert.NoError(t, store.MarkPublished(ctx, "never-saved", 1))
}
