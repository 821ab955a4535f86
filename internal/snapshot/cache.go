package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"sheetwatch/internal/constants"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/models"
)

// CachedStore serves Load from Redis and writes through on Save. Redis is
// best effort: its failures are logged and the backing store answers.
type CachedStore struct {
	next   Store
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, log logger.Logger) *CachedStore {
	return &CachedStore{next: next, client: client, ttl: ttl, logger: log}
}

func cacheKey(sourceID string) string {
	return constants.CacheKeyPrefixSnapshot + sourceID
}

func (s *CachedStore) Load(ctx context.Context, sourceID string) (*models.Snapshot, error) {
	raw, err := s.client.Get(ctx, cacheKey(sourceID)).Bytes()
	switch {
	case err == nil:
		var snap models.Snapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			return &snap, nil
		}
		s.logger.WarnwCtx(ctx, "Discarding undecodable cached snapshot", "source_id", sourceID)
	case !errors.Is(err, redis.Nil):
		s.logger.WarnwCtx(ctx, "Snapshot cache read failed", "source_id", sourceID, "error", err)
	}

	snap, err := s.next.Load(ctx, sourceID)
	if err != nil || snap == nil {
		return snap, err
	}

	s.put(ctx, snap)
	return snap, nil
}

func (s *CachedStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := s.next.Save(ctx, snap); err != nil {
		if delErr := s.client.Del(ctx, cacheKey(snap.SourceID)).Err(); delErr != nil {
			s.logger.WarnwCtx(ctx, "Snapshot cache invalidation failed", "source_id", snap.SourceID, "error", delErr)
		}
		return err
	}

	s.put(ctx, snap)
	return nil
}

// MarkPublished evicts the cached copy so the next Load sees the trimmed
// pending list.
func (s *CachedStore) MarkPublished(ctx context.Context, sourceID string, seq uint64) error {
	if err := s.next.MarkPublished(ctx, sourceID, seq); err != nil {
		return err
	}
	if err := s.client.Del(ctx, cacheKey(sourceID)).Err(); err != nil {
		s.logger.WarnwCtx(ctx, "Snapshot cache invalidation failed", "source_id", sourceID, "error", err)
	}
	return nil
}

func (s *CachedStore) put(ctx context.Context, snap *models.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.WarnwCtx(ctx, "Failed to encode snapshot for cache", "source_id", snap.SourceID, "error", err)
		return
	}
	if err := s.client.Set(ctx, cacheKey(snap.SourceID), raw, s.ttl).Err(); err != nil {
		s.logger.WarnwCtx(ctx, "Snapshot cache write failed", "source_id", snap.SourceID, "error", err)
	}
}
