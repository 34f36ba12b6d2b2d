// Package strategy holds the four quota algorithms and the result
// contract every check produces. Each algorithm delegates its atomic
// read-modify-write to the counter backend and only shapes parameters
// and results here; the state transition itself always happens as one
// atomically visible backend operation.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/admitkit/admitkit/internal/backend"
)

// Strategy enumerates the quota algorithms. Dispatch is by this value,
// resolved once at configuration time.
type Strategy int

const (
	TokenBucket Strategy = iota
	SlidingWindow
	FixedWindow
	LeakyBucket
)

func (s Strategy) String() string {
	switch s {
	case TokenBucket:
		return "token_bucket"
	case SlidingWindow:
		return "sliding_window"
	case FixedWindow:
		return "fixed_window"
	case LeakyBucket:
		return "leaky_bucket"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Parse maps a configuration name to its Strategy.
func Parse(name string) (Strategy, error) {
	switch name {
	case "token_bucket":
		return TokenBucket, nil
	case "sliding_window":
		return SlidingWindow, nil
	case "fixed_window":
		return FixedWindow, nil
	case "leaky_bucket":
		return LeakyBucket, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", name)
	}
}

// Result is the unit every check returns and the only object that
// crosses component boundaries. RetryAfter is zero unless the check was
// denied. Strategy names whichever algorithm (or engine shortcut, such
// as "disabled") produced the verdict.
type Result struct {
	Allowed      bool          `json:"allowed"`
	Remaining    int64         `json:"remaining"`
	ResetTime    time.Time     `json:"reset_time"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	CurrentUsage int64         `json:"current_usage"`
	Limit        int64         `json:"limit"`
	WindowSize   time.Duration `json:"window_size"`
	Strategy     string        `json:"strategy"`
}

// Checker is one algorithm's check-and-consume operation. key is the
// stable backend key for the tracked dimension and window; the checker
// may derive further key structure (fixed window buckets) from it.
type Checker interface {
	Check(ctx context.Context, store backend.Store, key string, p backend.Params) (Result, error)
}

// For returns the Checker for a Strategy.
func For(s Strategy) Checker {
	switch s {
	case SlidingWindow:
		return slidingWindowChecker{}
	case FixedWindow:
		return fixedWindowChecker{}
	case LeakyBucket:
		return leakyBucketChecker{}
	default:
		return tokenBucketChecker{}
	}
}

// Check dispatches to the algorithm selected by s.
func Check(ctx context.Context, s Strategy, store backend.Store, key string, p backend.Params) (Result, error) {
	return For(s).Check(ctx, store, key, p)
}

func result(s Strategy, p backend.Params, o backend.Outcome) Result {
	return Result{
		Allowed:      o.Allowed,
		Remaining:    o.Remaining,
		ResetTime:    o.ResetAt,
		RetryAfter:   o.RetryAfter,
		CurrentUsage: o.Current,
		Limit:        p.Limit,
		WindowSize:   p.Window,
		Strategy:     s.String(),
	}
}
