package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vietddude/intake/internal/core/domain"
)

// DeferredQueue implements storage.DeferredQueue with a sorted set scored by
// enqueue time and a hash holding the payloads.
type DeferredQueue struct {
	rdb    *redis.Client
	prefix string
}

// NewDeferredQueue creates a Redis-backed deferred side-effect queue.
func NewDeferredQueue(client *Client) *DeferredQueue {
	return &DeferredQueue{
		rdb:    client.rdb,
		prefix: client.prefix,
	}
}

// Key helpers
func (q *DeferredQueue) queueKey() string {
	return fmt.Sprintf("%s:deferred", q.prefix)
}

func (q *DeferredQueue) payloadKey() string {
	return fmt.Sprintf("%s:deferred:payload", q.prefix)
}

// Push adds a side effect to the queue. Re-pushing a key replaces its payload.
func (q *DeferredQueue) Push(ctx context.Context, item domain.DeferredSideEffect) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred side effect: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), item.Key(), data)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{
		Score:  float64(item.EnqueuedAt.UnixMilli()),
		Member: item.Key(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue deferred side effect: %w", err)
	}
	return nil
}

// PopDue removes and returns up to limit of the oldest entries. An entry is
// claimed by whichever caller removes it from the sorted set first.
func (q *DeferredQueue) PopDue(ctx context.Context, limit int) ([]domain.DeferredSideEffect, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	keys, err := q.rdb.ZRange(ctx, q.queueKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	items := make([]domain.DeferredSideEffect, 0, len(keys))
	for _, key := range keys {
		removed, err := q.rdb.ZRem(ctx, q.queueKey(), key).Result()
		if err != nil {
			return items, fmt.Errorf("zrem failed: %w", err)
		}
		if removed == 0 {
			// Claimed by another replayer
			continue
		}

		data, err := q.rdb.HGet(ctx, q.payloadKey(), key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return items, fmt.Errorf("failed to get deferred payload: %w", err)
		}
		q.rdb.HDel(ctx, q.payloadKey(), key)

		var item domain.DeferredSideEffect
		if err := json.Unmarshal(data, &item); err != nil {
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// Remove drops a queued side effect.
func (q *DeferredQueue) Remove(ctx context.Context, key string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.queueKey(), key)
	pipe.HDel(ctx, q.payloadKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove deferred side effect: %w", err)
	}
	return nil
}

// Len returns the number of queued side effects.
func (q *DeferredQueue) Len(ctx context.Context) (int, error) {
	count, err := q.rdb.ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
