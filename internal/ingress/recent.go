package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"sheetwatch/internal/constants"
)

// ReceivedNotification is one entry of the recent notifications listing.
type ReceivedNotification struct {
	SourceID   string    `json:"source_id"`
	Timestamp  float64   `json:"timestamp"`
	ObservedAt time.Time `json:"observed_at"`
	ReceivedAt time.Time `json:"received_at"`
	Origin     string    `json:"origin"`
	Status     string    `json:"status"`
}

// Notification statuses recorded in the recent listing.
const (
	StatusQueued        = "queued"
	StatusUnknownSource = "unknown_source"
	StatusPoisoned      = "poisoned"
	StatusRejected      = "rejected"
)

type RecentRepository interface {
	Push(ctx context.Context, n ReceivedNotification) error
	List(ctx context.Context, limit int) ([]ReceivedNotification, error)
}

// RedisRecentRepository keeps the newest notifications in a capped Redis
// list shared by every replica.
type RedisRecentRepository struct {
	client *redis.Client
	key    string
	limit  int
}

func NewRedisRecentRepository(client *redis.Client, limit int) *RedisRecentRepository {
	return &RedisRecentRepository{
		client: client,
		key:    constants.RecentChangesKey,
		limit:  limit,
	}
}

func (r *RedisRecentRepository) Push(ctx context.Context, n ReceivedNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, int64(r.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

func (r *RedisRecentRepository) List(ctx context.Context, limit int) ([]ReceivedNotification, error) {
	if limit <= 0 || limit > r.limit {
		limit = r.limit
	}

	values, err := r.client.LRange(ctx, r.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	result := make([]ReceivedNotification, 0, len(values))
	for _, v := range values {
		var n ReceivedNotification
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

// MemoryRecentRepository is used when no Redis is configured.
type MemoryRecentRepository struct {
	mu    sync.Mutex
	items []ReceivedNotification
	limit int
}

func NewMemoryRecentRepository(limit int) *MemoryRecentRepository {
	return &MemoryRecentRepository{limit: limit}
}

func (r *MemoryRecentRepository) Push(_ context.Context, n ReceivedNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append([]ReceivedNotification{n}, r.items...)
	if len(r.items) > r.limit {
		r.items = r.items[:r.limit]
	}
	return nil
}

func (r *MemoryRecentRepository) List(_ context.Context, limit int) ([]ReceivedNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.items) {
		limit = len(r.items)
	}
	out := make([]ReceivedNotification, limit)
	copy(out, r.items[:limit])
	return out, nil
}
