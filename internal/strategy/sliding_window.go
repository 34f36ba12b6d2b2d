package strategy

import (
	"context"

	"github.com/admitkit/admitkit/internal/backend"
)

// slidingWindowChecker keeps the exact timestamps of admitted requests
// and counts those inside the trailing window. Most accurate of the
// four, with no boundary burst, at the cost of storage proportional to
// the limit, bounded by the window TTL.
type slidingWindowChecker struct{}

func (slidingWindowChecker) Check(ctx context.Context, store backend.Store, key string, p backend.Params) (Result, error) {
	out, err := store.SlidingWindow(ctx, key, p)
	if err != nil {
		return Result{}, err
	}
	return result(SlidingWindow, p, out), nil
}
