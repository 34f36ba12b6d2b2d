// Package backend abstracts the shared counter store behind the quota
// algorithms. Two implementations exist: Redis (cluster-consistent, the
// normal mode) and Memory (process-local, used for tests and as the
// degraded fallback when Redis is unreachable).
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the shared store cannot serve an
// operation and no fallback is permitted.
var ErrUnavailable = errors.New("backend unavailable")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("backend closed")

// ErrInvalidParams is returned when limit or window are not positive.
var ErrInvalidParams = errors.New("invalid quota params")

// Params carries the quota parameters for one atomic check.
// Now is supplied by the caller so decisions are deterministic under test.
type Params struct {
	Limit  int64         // requests permitted per Window
	Window time.Duration // window duration
	Burst  int64         // bucket capacity for token/leaky bucket
	Now    time.Time
}

// Outcome is the raw result of one atomic check-and-consume.
// RetryAfter is zero whenever Allowed is true.
type Outcome struct {
	Allowed    bool
	Remaining  int64
	Current    int64 // usage after this call was applied
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store executes quota algorithm state transitions as single atomically
// visible operations, and exposes plain primitives for status and
// administrative use. Every method must be safe for concurrent use.
//
// FixedWindow expects a key that already embeds the window bucket (see
// strategy.FixedWindowKey); the other three operate on a stable per-key
// state record.
type Store interface {
	TokenBucket(ctx context.Context, key string, p Params) (Outcome, error)
	FixedWindow(ctx context.Context, key string, p Params) (Outcome, error)
	SlidingWindow(ctx context.Context, key string, p Params) (Outcome, error)
	LeakyBucket(ctx context.Context, key string, p Params) (Outcome, error)

	// Get reads a plain counter key. Missing keys read as 0.
	Get(ctx context.Context, key string) (int64, error)
	// Incr bumps a plain counter, setting ttl when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr decrements a plain counter, clamping at 0.
	Decr(ctx context.Context, key string) (int64, error)
	// DeleteMatching removes every key matching the glob pattern and
	// reports how many were removed.
	DeleteMatching(ctx context.Context, pattern string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// State is the backend connection lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateHealthy
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// HealthReporter exposes cached backend health. Implemented by Failover
// (real health tracking) and Memory (always healthy).
type HealthReporter interface {
	Healthy() bool
	State() State
}

// AdmissionStore is what the engine consumes: a store that also reports
// its own health.
type AdmissionStore interface {
	Store
	HealthReporter
}
