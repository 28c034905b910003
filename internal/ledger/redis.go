package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a ledger backed by a Redis instance, for deployments that want
// dedup state to survive restarts. Acquire relies on SET NX for atomicity;
// the retention window is enforced by key TTL instead of an eviction sweep.
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
	retention time.Duration
}

// NewRedis creates a Redis-backed ledger. retention bounds how long a pair
// suppresses re-notification.
func NewRedis(client redis.Cmdable, keyPrefix string, retention time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = "depot-notify:ledger"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (r *Redis) key(table, hash string) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, table, hash)
}

func (r *Redis) Seen(ctx context.Context, table, hash string) (bool, error) {
	val, err := r.client.Get(ctx, r.key(table, hash)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger get: %w", err)
	}
	return val == string(OutcomeDispatched), nil
}

func (r *Redis) Acquire(ctx context.Context, table, hash string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(table, hash), string(OutcomePending), r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("ledger setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Record(ctx context.Context, table, hash string, outcome Outcome) error {
	if err := r.client.Set(ctx, r.key(table, hash), string(outcome), r.retention).Err(); err != nil {
		return fmt.Errorf("ledger set: %w", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, table, hash string) error {
	if err := r.client.Del(ctx, r.key(table, hash)).Err(); err != nil {
		return fmt.Errorf("ledger del: %w", err)
	}
	return nil
}

// EvictOlderThan is a no-op for the Redis ledger; retention is handled by
// key TTL.
func (r *Redis) EvictOlderThan(context.Context, time.Duration) (int, error) {
	return 0, nil
}
