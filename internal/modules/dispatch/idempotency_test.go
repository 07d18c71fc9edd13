package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisIdempotency_Lifecycle(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisIdempotency(rdb, time.Hour)
	ctx := context.Background()

	_, started, err := store.Begin(ctx, "s1", "k1")
	if err != nil || !started {
		t.Fatalf("first begin: started=%v err=%v", started, err)
	}
	prev, started, err := store.Begin(ctx, "s1", "k1")
	if err != nil || started || prev.State != OutcomePending {
		t.Fatalf("second begin: prev=%+v started=%v err=%v", prev, started, err)
	}
	if ttl := mr.TTL("dispatch:confirm:s1:k1"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	if err := store.Finish(ctx, "s1", "k1", Outcome{State: OutcomeCommitted}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	prev, started, _ = store.Begin(ctx, "s1", "k1")
	if started || prev.State != OutcomeCommitted {
		t.Fatalf("unexpected outcome %+v", prev)
	}

	if err := store.Release(ctx, "s1", "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, started, _ = store.Begin(ctx, "s1", "k1"); !started {
		t.Fatalf("released key must be claimable again")
	}
}

func TestRedisIdempotency_Expiry(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisIdempotency(rdb, time.Minute)
	ctx := context.Background()

	if _, started, _ := store.Begin(ctx, "s1", "k1"); !started {
		t.Fatalf("expected claim")
	}
	_ = store.Finish(ctx, "s1", "k1", Outcome{State: OutcomeCommitted})
	mr.FastForward(2 * time.Minute)
	if _, started, _ := store.Begin(ctx, "s1", "k1"); !started {
		t.Fatalf("expired key must be claimable")
	}
	if _, started, _ := store.Begin(ctx, "s2", "k1"); !started {
		t.Fatalf("keys are scoped per session")
	}
}
