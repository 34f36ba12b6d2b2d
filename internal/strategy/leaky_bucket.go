package strategy

import (
	"context"

	"github.com/admitkit/admitkit/internal/backend"
)

// leakyBucketChecker fills a bucket one unit per admitted request and
// drains it at limit/window. Where the token bucket protects the
// caller's burst experience, this smooths traffic into a near constant
// outflow to protect whatever sits downstream.
type leakyBucketChecker struct{}

func (leakyBucketChecker) Check(ctx context.Context, store backend.Store, key string, p backend.Params) (Result, error) {
	out, err := store.LeakyBucket(ctx, key, p)
	if err != nil {
		return Result{}, err
	}
	return result(LeakyBucket, p, out), nil
}
