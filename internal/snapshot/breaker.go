package snapshot

import (
	"context"
	"errors"
	"fmt"

	"sheetwatch/internal/config"
	"sheetwatch/pkg/circuitbreaker"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/models"
)

const breakerName = "snapshot-store"

// CircuitBreakerStore guards the snapshot database. Stale writes are a
// normal answer, not a database failure.
type CircuitBreakerStore struct {
	store Store
	cb    *circuitbreaker.Breaker
}

func NewCircuitBreakerStore(store Store, cfg config.CircuitBreakerConfig) *CircuitBreakerStore {
	s := &CircuitBreakerStore{store: store}
	if cfg.Enabled {
		s.cb = circuitbreaker.New(breakerName, cfg, isStale)
	}
	return s
}

func isStale(err error) bool {
	return errors.Is(err, pkgerrors.ErrStaleSnapshot)
}

func (s *CircuitBreakerStore) Load(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	snap, err := circuitbreaker.Do(ctx, s.cb, func(ctx context.Context) (*models.Snapshot, error) {
		return s.store.Load(ctx, sourceID)
	})
	return snap, s.annotate(err)
}

func (s *CircuitBreakerStore) Save(ctx context.Context, snap *models.Snapshot) error {
	_, err := circuitbreaker.Do(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Save(ctx, snap)
	})
	return s.annotate(err)
}

func (s *CircuitBreakerStore) MarkPublished(ctx context.Context, sourceID string, seq uint64) error {
	_, err := circuitbreaker.Do(ctx, s.cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.MarkPublished(ctx, sourceID, seq)
	})
	return s.annotate(err)
}

func (s *CircuitBreakerStore) annotate(err error) error {
	if err != nil && s.IsOpen() {
		return fmt.Errorf("circuit breaker is open for %s: %w", breakerName, err)
	}
	return err
}

func (s *CircuitBreakerStore) Name() string {
	return breakerName
}

func (s *CircuitBreakerStore) IsOpen() bool {
	return s.cb != nil && s.cb.IsOpen()
}
