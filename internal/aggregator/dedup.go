package aggregator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Dedup is the duplicate-suppression window. CheckAndMark atomically
// records an event id and reports whether it was already present inside
// the window. The window only needs to cover the broker's redelivery
// horizon, not all time. Forget removes a mark so a redelivery after a
// transient processing failure is not mistaken for a duplicate.
type Dedup interface {
	CheckAndMark(ctx context.Context, eventID string) (seen bool, err error)
	Forget(ctx context.Context, eventID string) error
	Close() error
}

const dedupShards = 32

// memoryDedup is a sharded in-process seen-set with TTL expiry. Shard
// count is fixed; contention spreads across independent locks.
type memoryDedup struct {
	window time.Duration
	shards [dedupShards]*dedupShard
}

type dedupShard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedup builds an in-memory dedup window. Suitable for a single
// command-center instance; use the Redis variant when instances share
// the window.
func NewMemoryDedup(window time.Duration) Dedup {
	if window <= 0 {
		window = 24 * time.Hour
	}
	d := &memoryDedup{window: window}
	for i := range d.shards {
		d.shards[i] = &dedupShard{seen: make(map[string]time.Time)}
	}
	return d
}

func (d *memoryDedup) shard(eventID string) *dedupShard {
	h := fnv.New32a()
	h.Write([]byte(eventID))
	return d.shards[h.Sum32()%dedupShards]
}

func (d *memoryDedup) CheckAndMark(_ context.Context, eventID string) (bool, error) {
	now := time.Now()
	s := d.shard(eventID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.seen[eventID]; ok && now.Sub(at) < d.window {
		return true, nil
	}
	s.seen[eventID] = now

	// Expire opportunistically once the shard grows past a soft cap.
	if len(s.seen) > 4096 {
		for id, at := range s.seen {
			if now.Sub(at) >= d.window {
				delete(s.seen, id)
			}
		}
	}
	return false, nil
}

func (d *memoryDedup) Forget(_ context.Context, eventID string) error {
	s := d.shard(eventID)
	s.mu.Lock()
	delete(s.seen, eventID)
	s.mu.Unlock()
	return nil
}

func (d *memoryDedup) Close() error { return nil }

// redisDedup shares the dedup window across command-center instances
// using SET NX PX, which is atomic check-and-mark in one round trip.
type redisDedup struct {
	client *redis.Client
	window time.Duration
	prefix string
}

// NewRedisDedup builds a Redis-backed dedup window.
func NewRedisDedup(client *redis.Client, window time.Duration) Dedup {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &redisDedup{client: client, window: window, prefix: "fleet:dedup:"}
}

func (d *redisDedup) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+eventID, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", eventID, err)
	}
	// SetNX returns false when the key already existed.
	return !ok, nil
}

func (d *redisDedup) Forget(ctx context.Context, eventID string) error {
	return d.client.Del(ctx, d.prefix+eventID).Err()
}

func (d *redisDedup) Close() error { return d.client.Close() }
