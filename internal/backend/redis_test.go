package backend

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Integration tests run against a real Redis when REDIS_ADDR is set,
// e.g. REDIS_ADDR=localhost:6379 go test ./internal/backend/...
func newRedisStore(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedis(client, 2*time.Second)
}

func TestRedisTokenBucket(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	p := Params{Limit: 10, Window: time.Minute, Burst: 20, Now: now}

	for i := 0; i < 20; i++ {
		out, err := r.TokenBucket(ctx, "it:tb", p)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !out.Allowed {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	out, err := r.TokenBucket(ctx, "it:tb", p)
	if err != nil {
		t.Fatal(err)
	}
	if out.Allowed {
		t.Fatal("21st request should be denied")
	}

	p.Now = now.Add(6 * time.Second)
	if out, _ := r.TokenBucket(ctx, "it:tb", p); !out.Allowed {
		t.Fatal("one token should refill after 6s")
	}
}

func TestRedisFixedWindow(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Minute)
	key := "it:fw:" + strconv.FormatInt(now.Unix(), 10)
	p := Params{Limit: 5, Window: time.Minute, Now: now}

	for i := 0; i < 5; i++ {
		out, err := r.FixedWindow(ctx, key, p)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Allowed || out.Remaining != int64(4-i) {
			t.Fatalf("request %d: %+v", i+1, out)
		}
	}
	if out, _ := r.FixedWindow(ctx, key, p); out.Allowed {
		t.Fatal("6th request should be denied")
	}
}

func TestRedisSlidingWindow(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()
	p := Params{Limit: 3, Window: time.Minute, Now: now}

	for i := 0; i < 3; i++ {
		if out, _ := r.SlidingWindow(ctx, "it:sw", p); !out.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if out, _ := r.SlidingWindow(ctx, "it:sw", p); out.Allowed {
		t.Fatal("4th request should be denied")
	}
	p.Now = now.Add(61 * time.Second)
	if out, _ := r.SlidingWindow(ctx, "it:sw", p); !out.Allowed {
		t.Fatal("window should have slid past the old entries")
	}
}

func TestRedisCountersAndDelete(t *testing.T) {
	r := newRedisStore(t)
	ctx := context.Background()

	if n, err := r.Incr(ctx, "it:conc:a", time.Minute); err != nil || n != 1 {
		t.Fatalf("incr = %d, %v", n, err)
	}
	if n, _ := r.Incr(ctx, "it:conc:a", time.Minute); n != 2 {
		t.Fatalf("second incr = %d", n)
	}
	if n, _ := r.Decr(ctx, "it:conc:a"); n != 1 {
		t.Fatalf("decr = %d", n)
	}
	if n, _ := r.Get(ctx, "it:conc:a"); n != 1 {
		t.Fatalf("get = %d", n)
	}

	_, _ = r.Incr(ctx, "it:conc:b", time.Minute)
	removed, err := r.DeleteMatching(ctx, "it:conc:*")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
}
