package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	inflightKeyPrefix = "allocation:inflight:"
	defaultTokenTTL   = 30 * time.Second
)

// RedisAdapter guards idempotency tokens across server processes.
type RedisAdapter struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &RedisAdapter{
		client: client,
		locker: redislock.New(client),
		ttl:    ttl,
	}
}

// Lock claims token for the adapter's TTL. A token held elsewhere yields ok=false.
func (r *RedisAdapter) Lock(ctx context.Context, token string) (func(context.Context) error, bool, error) {
	lock, err := r.locker.Obtain(ctx, inflightKeyPrefix+token, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("obtain token lock", err)
	}
	return lock.Release, true, nil
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
