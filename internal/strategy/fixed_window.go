package strategy

import (
	"context"
	"strconv"
	"time"

	"github.com/admitkit/admitkit/internal/backend"
)

// fixedWindowChecker counts requests in aligned windows. Each window
// occupies its own backend key, so stale windows expire by TTL alone.
// A burst straddling two windows can pass up to 2x the limit; that is
// an accepted tradeoff for the cheapest possible check.
type fixedWindowChecker struct{}

func (fixedWindowChecker) Check(ctx context.Context, store backend.Store, key string, p backend.Params) (Result, error) {
	out, err := store.FixedWindow(ctx, FixedWindowKey(key, p.Now, p.Window), p)
	if err != nil {
		return Result{}, err
	}
	return result(FixedWindow, p, out), nil
}

// FixedWindowKey appends the aligned window start to the base key.
// Status reads use the same derivation to find the live counter.
func FixedWindowKey(base string, now time.Time, window time.Duration) string {
	start := now.Truncate(window).Unix()
	return base + ":" + strconv.FormatInt(start, 10)
}
