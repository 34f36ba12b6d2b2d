package strategy

import (
	"context"

	"github.com/admitkit/admitkit/internal/backend"
)

// tokenBucketChecker admits bursts up to the bucket capacity while
// capping the sustained rate at limit/window. Tokens refill
// continuously; each admitted request consumes one.
type tokenBucketChecker struct{}

func (tokenBucketChecker) Check(ctx context.Context, store backend.Store, key string, p backend.Params) (Result, error) {
	out, err := store.TokenBucket(ctx, key, p)
	if err != nil {
		return Result{}, err
	}
	return result(TokenBucket, p, out), nil
}
