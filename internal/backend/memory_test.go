package backend

import (
	"context"
	"errors"
	"testing"
	"time"
)

var base = time.Unix(1_700_000_400, 0) // aligned to a minute boundary

func TestTokenBucketBurstThenRefill(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 10, Window: time.Minute, Burst: 20, Now: base}

	for i := 0; i < 20; i++ {
		out, err := m.TokenBucket(ctx, "tb", p)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if !out.Allowed {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
		if want := int64(19 - i); out.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, out.Remaining, want)
		}
	}

	out, err := m.TokenBucket(ctx, "tb", p)
	if err != nil {
		t.Fatal(err)
	}
	if out.Allowed {
		t.Fatal("21st request should be denied, bucket is empty")
	}
	if out.RetryAfter != 6*time.Second {
		t.Fatalf("retry after = %v, want 6s at 10 tokens per minute", out.RetryAfter)
	}

	// 6 seconds refills exactly one token
	p.Now = base.Add(6 * time.Second)
	out, err = m.TokenBucket(ctx, "tb", p)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Allowed {
		t.Fatal("one token should have refilled after 6s")
	}
	out, _ = m.TokenBucket(ctx, "tb", p)
	if out.Allowed {
		t.Fatal("only one token should have refilled")
	}
}

func TestTokenBucketRefillCapsAtBurst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 10, Window: time.Minute, Burst: 5, Now: base}

	if out, _ := m.TokenBucket(ctx, "cap", p); !out.Allowed {
		t.Fatal("first request should be allowed")
	}
	// a long idle period must not accumulate beyond the burst
	p.Now = base.Add(time.Hour)
	out, _ := m.TokenBucket(ctx, "cap", p)
	if out.Remaining != 4 {
		t.Fatalf("remaining = %d, want 4 (burst 5 minus this request)", out.Remaining)
	}
}

func TestTokenBucketDefaultBurstIsLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 3, Window: time.Minute, Now: base}

	for i := 0; i < 3; i++ {
		if out, _ := m.TokenBucket(ctx, "db", p); !out.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if out, _ := m.TokenBucket(ctx, "db", p); out.Allowed {
		t.Fatal("4th request should exceed the default burst")
	}
}

func TestFixedWindowCountsAndResets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 5, Window: time.Minute, Now: base}

	for i := 0; i < 5; i++ {
		out, err := m.FixedWindow(ctx, "fw", p)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(4 - i); out.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, out.Remaining, want)
		}
	}

	out, _ := m.FixedWindow(ctx, "fw", p)
	if out.Allowed {
		t.Fatal("6th request should be denied")
	}
	if out.RetryAfter != time.Minute {
		t.Fatalf("retry after = %v, want the full window from an aligned start", out.RetryAfter)
	}
	if !out.ResetAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("reset at = %v, want %v", out.ResetAt, base.Add(time.Minute))
	}
}

func TestSlidingWindowTrailingExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 3, Window: time.Minute, Now: base}

	for i := 0; i < 3; i++ {
		if out, _ := m.SlidingWindow(ctx, "sw", p); !out.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	out, _ := m.SlidingWindow(ctx, "sw", p)
	if out.Allowed {
		t.Fatal("4th request inside the window should be denied")
	}

	// the oldest timestamp leaves the trailing window
	p.Now = base.Add(61 * time.Second)
	out, _ = m.SlidingWindow(ctx, "sw", p)
	if !out.Allowed {
		t.Fatal("request after the window slid past should be allowed")
	}
	if out.Current != 1 {
		t.Fatalf("current = %d, want 1 after old timestamps expired", out.Current)
	}
}

func TestLeakyBucketDrain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	// drains one unit per second, holds five
	p := Params{Limit: 60, Window: time.Minute, Burst: 5, Now: base}

	for i := 0; i < 5; i++ {
		if out, _ := m.LeakyBucket(ctx, "lb", p); !out.Allowed {
			t.Fatalf("request %d should fit in the bucket", i+1)
		}
	}
	out, _ := m.LeakyBucket(ctx, "lb", p)
	if out.Allowed {
		t.Fatal("6th request should overflow")
	}
	if out.RetryAfter != time.Second {
		t.Fatalf("retry after = %v, want 1s at one drip per second", out.RetryAfter)
	}

	p.Now = base.Add(2 * time.Second)
	if out, _ := m.LeakyBucket(ctx, "lb", p); !out.Allowed {
		t.Fatal("bucket should have drained room after 2s")
	}
}

func TestInvalidParams(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	bad := Params{Limit: 0, Window: time.Minute, Now: base}

	if _, err := m.TokenBucket(ctx, "x", bad); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("token bucket: err = %v, want ErrInvalidParams", err)
	}
	if _, err := m.FixedWindow(ctx, "x", Params{Limit: 5, Now: base}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("fixed window with zero window: err = %v, want ErrInvalidParams", err)
	}
}

func TestCountersWithTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := base
	m.SetClock(func() time.Time { return now })

	if n, _ := m.Incr(ctx, "c", 10*time.Second); n != 1 {
		t.Fatalf("first incr = %d, want 1", n)
	}
	if n, _ := m.Incr(ctx, "c", 10*time.Second); n != 2 {
		t.Fatalf("second incr = %d, want 2", n)
	}
	if n, _ := m.Decr(ctx, "c"); n != 1 {
		t.Fatalf("decr = %d, want 1", n)
	}
	// decr never goes negative
	if n, _ := m.Decr(ctx, "missing"); n != 0 {
		t.Fatalf("decr on missing key = %d, want 0", n)
	}

	now = base.Add(11 * time.Second)
	if n, _ := m.Get(ctx, "c"); n != 0 {
		t.Fatalf("expired counter reads %d, want 0", n)
	}
	if n, _ := m.Incr(ctx, "c", 10*time.Second); n != 1 {
		t.Fatalf("incr after expiry = %d, want fresh 1", n)
	}
}

func TestDeleteMatching(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	p := Params{Limit: 10, Window: time.Minute, Now: base}

	_, _ = m.TokenBucket(ctx, "rl_token_bucket_1m_id_alice", p)
	_, _ = m.FixedWindow(ctx, "rl_fixed_window_1m_id_alice", p)
	_, _ = m.SlidingWindow(ctx, "rl_sliding_window_1m_id_bob", p)

	removed, err := m.DeleteMatching(ctx, "rl_*_alice")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	// alice gets a fresh window, bob kept his state
	out, _ := m.SlidingWindow(ctx, "rl_sliding_window_1m_id_bob", p)
	if out.Current != 2 {
		t.Fatalf("bob current = %d, want 2", out.Current)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := base
	m.SetClock(func() time.Time { return now })

	_, _ = m.TokenBucket(ctx, "a", Params{Limit: 10, Window: time.Minute, Now: base})
	_, _ = m.SlidingWindow(ctx, "b", Params{Limit: 10, Window: time.Minute, Now: base})
	_, _ = m.Incr(ctx, "c", 30*time.Second)

	if dropped := m.Sweep(); dropped != 0 {
		t.Fatalf("nothing should be expired yet, dropped %d", dropped)
	}

	now = base.Add(2 * time.Hour)
	if dropped := m.Sweep(); dropped != 3 {
		t.Fatalf("dropped = %d, want all 3 idle entries", dropped)
	}
}

func TestClosedStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Close()

	if _, err := m.TokenBucket(ctx, "x", Params{Limit: 1, Window: time.Second, Now: base}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := m.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("ping err = %v, want ErrClosed", err)
	}
}
