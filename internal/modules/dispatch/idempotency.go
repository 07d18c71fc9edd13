// README: Redis-backed record of confirm outcomes keyed by Idempotency-Key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Only successful commits are recorded. A failed commit releases its key so
// the same key can retry once the draft is fixed.
const (
	OutcomePending   = "pending"
	OutcomeCommitted = "committed"
)

type Outcome struct {
	State string
}

type IdempotencyStore interface {
	// Begin claims key. started is false when the key was already claimed;
	// prev then holds the recorded outcome.
	Begin(ctx context.Context, sessionID, key string) (prev Outcome, started bool, err error)
	Finish(ctx context.Context, sessionID, key string, o Outcome) error
	Release(ctx context.Context, sessionID, key string) error
}

type RedisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{rdb: rdb, ttl: ttl}
}

func confirmKey(sessionID, key string) string {
	return fmt.Sprintf("dispatch:confirm:%s:%s", sessionID, key)
}

func (r *RedisIdempotency) Begin(ctx context.Context, sessionID, key string) (Outcome, bool, error) {
	k := confirmKey(sessionID, key)
	ok, err := r.rdb.SetNX(ctx, k, OutcomePending, r.ttl).Result()
	if err != nil {
		return Outcome{}, false, err
	}
	if ok {
		return Outcome{}, true, nil
	}
	val, err := r.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return r.Begin(ctx, sessionID, key)
	}
	if err != nil {
		return Outcome{}, false, err
	}
	return Outcome{State: val}, false, nil
}

func (r *RedisIdempotency) Finish(ctx context.Context, sessionID, key string, o Outcome) error {
	return r.rdb.Set(ctx, confirmKey(sessionID, key), o.State, r.ttl).Err()
}

func (r *RedisIdempotency) Release(ctx context.Context, sessionID, key string) error {
	return r.rdb.Del(ctx, confirmKey(sessionID, key)).Err()
}
