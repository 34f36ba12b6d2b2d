package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitkit/admitkit/internal/backend"
	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/strategy"
)

var base = time.Unix(1_700_000_400, 0)

type testEnv struct {
	eng *Engine
	mem *backend.Memory
	now *time.Time
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	now := base
	mem := backend.NewMemory()
	mem.SetClock(func() time.Time { return now })
	eng := New(cfg, mem, WithClock(func() time.Time { return now }))
	return &testEnv{eng: eng, mem: mem, now: &now}
}

func freeTier(cfg *config.Config, tl config.TierLimits) *config.Config {
	cfg.Tiers["free"] = tl
	return cfg
}

func TestCheckDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Disabled = true
	env := newTestEnv(t, cfg)

	res := env.eng.Check(context.Background(), CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"})
	require.True(t, res.Allowed)
	assert.Equal(t, int64(-1), res.Remaining)
	assert.Equal(t, "disabled", res.Strategy)
}

func TestCheckDeniesWhenMinuteBudgetSpent(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{RequestsPerMinute: 3, BurstCapacity: 3})
	env := newTestEnv(t, cfg)
	req := CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"}

	for i := 0; i < 3; i++ {
		res := env.eng.Check(context.Background(), req)
		require.True(t, res.Allowed, "request %d", i+1)
	}
	res := env.eng.Check(context.Background(), req)
	require.False(t, res.Allowed)
	assert.Equal(t, "token_bucket", res.Strategy)
	assert.Equal(t, 20*time.Second, res.RetryAfter)
}

func TestCheckReturnsTightestDimension(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{RequestsPerMinute: 10, BurstCapacity: 10})
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	// six calls from one client load the shared endpoint dimension
	for i := 0; i < 6; i++ {
		res := env.eng.Check(ctx, CheckRequest{Identifier: "ip:1.1.1.1", Endpoint: "/v1/x"})
		require.True(t, res.Allowed)
	}
	// a fresh client still sees the endpoint's depleted budget
	res := env.eng.Check(ctx, CheckRequest{Identifier: "ip:2.2.2.2", Endpoint: "/v1/x"})
	require.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining, "endpoint dimension should be the tightest")
}

func TestCheckDeniedDimensionWinsOverAllowed(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{RequestsPerMinute: 3, BurstCapacity: 3})
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	// three distinct clients drain the shared endpoint dimension while
	// each identifier keeps most of its own budget
	for _, ip := range []string{"ip:1.1.1.1", "ip:2.2.2.2", "ip:3.3.3.3"} {
		res := env.eng.Check(ctx, CheckRequest{Identifier: ip, Endpoint: "/v1/x"})
		require.True(t, res.Allowed)
	}

	// a fresh identifier allows, but the endpoint denial must win
	res := env.eng.Check(ctx, CheckRequest{Identifier: "ip:4.4.4.4", Endpoint: "/v1/x"})
	require.False(t, res.Allowed, "an exhausted dimension must deny even when the identifier has budget")
	assert.Equal(t, int64(0), res.Remaining)
	assert.Positive(t, res.RetryAfter)
}

func TestCheckCustomLimitsWinOverTier(t *testing.T) {
	cfg := config.Default()
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	custom := &config.TierLimits{RequestsPerMinute: 1, BurstCapacity: 1}
	req := CheckRequest{Identifier: "ip:9.9.9.9", Endpoint: "/v1/x", CustomLimits: custom}

	require.True(t, env.eng.Check(ctx, req).Allowed)
	res := env.eng.Check(ctx, req)
	require.False(t, res.Allowed, "custom limit of 1 should deny the second request")
	assert.Equal(t, int64(1), res.Limit)
}

func TestCheckStrategyOverridePerRequest(t *testing.T) {
	cfg := config.Default()
	env := newTestEnv(t, cfg)
	fixed := strategy.FixedWindow

	res := env.eng.Check(context.Background(), CheckRequest{
		Identifier: "ip:1.2.3.4", Endpoint: "/v1/x", Strategy: &fixed,
	})
	require.True(t, res.Allowed)
	assert.Equal(t, "fixed_window", res.Strategy)
}

func TestCheckEndpointAlgorithmOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Endpoints = map[string]config.Endpoint{
		"/v1/search": {Algorithm: "sliding_window"},
	}
	require.NoError(t, cfg.Validate())
	env := newTestEnv(t, cfg)

	res := env.eng.Check(context.Background(), CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/search"})
	require.True(t, res.Allowed)
	assert.Equal(t, "sliding_window", res.Strategy)
}

func TestEmergencyBrake(t *testing.T) {
	cfg := config.Default()
	cfg.Global.RequestsPerSecond = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	// distinct identities; the brake ignores who is asking
	require.True(t, env.eng.Check(ctx, CheckRequest{Identifier: "ip:1.1.1.1", Endpoint: "/a"}).Allowed)
	require.True(t, env.eng.Check(ctx, CheckRequest{Identifier: "ip:2.2.2.2", Endpoint: "/b"}).Allowed)
	res := env.eng.Check(ctx, CheckRequest{Identifier: "ip:3.3.3.3", Endpoint: "/c"})
	require.False(t, res.Allowed)
	assert.Equal(t, "emergency_brake", res.Strategy)

	// the next second opens a fresh budget
	*env.now = base.Add(time.Second)
	res = env.eng.Check(ctx, CheckRequest{Identifier: "ip:3.3.3.3", Endpoint: "/c"})
	require.True(t, res.Allowed)
}

func TestHeavyEndpointSubQuota(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{
		RequestsPerMinute: 100, BurstCapacity: 100, HeavyPerHour: 2,
	})
	cfg.Endpoints = map[string]config.Endpoint{"/v1/export": {Heavy: true}}
	require.NoError(t, cfg.Validate())
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	req := CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/export"}

	require.True(t, env.eng.Check(ctx, req).Allowed)
	require.True(t, env.eng.Check(ctx, req).Allowed)
	res := env.eng.Check(ctx, req)
	require.False(t, res.Allowed, "third heavy call should trip the hourly sub-quota")
	assert.Equal(t, int64(2), res.Limit)
}

// brokenStore errors on every operation but reports itself healthy, so
// the engine's error policy, not failover, decides the verdict.
type brokenStore struct{}

var errBoom = errors.New("boom")

func (brokenStore) TokenBucket(context.Context, string, backend.Params) (backend.Outcome, error) {
	return backend.Outcome{}, errBoom
}
func (brokenStore) FixedWindow(context.Context, string, backend.Params) (backend.Outcome, error) {
	return backend.Outcome{}, errBoom
}
func (brokenStore) SlidingWindow(context.Context, string, backend.Params) (backend.Outcome, error) {
	return backend.Outcome{}, errBoom
}
func (brokenStore) LeakyBucket(context.Context, string, backend.Params) (backend.Outcome, error) {
	return backend.Outcome{}, errBoom
}
func (brokenStore) Get(context.Context, string) (int64, error)                 { return 0, errBoom }
func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errBoom }
func (brokenStore) Decr(context.Context, string) (int64, error)                { return 0, errBoom }
func (brokenStore) DeleteMatching(context.Context, string) (int64, error)      { return 0, errBoom }
func (brokenStore) Ping(context.Context) error                                 { return errBoom }
func (brokenStore) Close() error                                               { return nil }
func (brokenStore) Healthy() bool                                              { return false }
func (brokenStore) State() backend.State                                       { return backend.StateDegraded }

func TestCheckAllowOnError(t *testing.T) {
	cfg := config.Default()
	cfg.Failure.AllowOnError = true
	now := base
	eng := New(cfg, brokenStore{}, WithClock(func() time.Time { return now }))

	res := eng.Check(context.Background(), CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"})
	require.True(t, res.Allowed)
	assert.Equal(t, "fallback", res.Strategy)
	assert.Equal(t, int64(1), res.Remaining)
}

func TestCheckDenyOnError(t *testing.T) {
	cfg := config.Default()
	cfg.Failure.AllowOnError = false
	now := base
	eng := New(cfg, brokenStore{}, WithClock(func() time.Time { return now }))

	res := eng.Check(context.Background(), CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"})
	require.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)
	assert.Equal(t, "fallback", res.Strategy)
}

func TestResetClearsIdentifierKeys(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultAlgorithm = "fixed_window"
	require.NoError(t, cfg.Validate())
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	req := CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"}

	env.eng.Check(ctx, req)
	env.eng.Check(ctx, req)

	report := env.eng.Status(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.Equal(t, int64(2), report.Windows[0].Used)

	removed, err := env.eng.Reset(ctx, "ip:1.2.3.4", "minute")
	require.NoError(t, err)
	assert.Positive(t, removed)

	report = env.eng.Status(ctx, "ip:1.2.3.4", "/v1/x", "free")
	assert.Equal(t, int64(0), report.Windows[0].Used, "minute usage should be wiped")
	assert.Equal(t, int64(2), report.Windows[1].Used, "hour usage should survive a minute-scoped reset")

	removed, err = env.eng.Reset(ctx, "ip:1.2.3.4", "")
	require.NoError(t, err)
	assert.Positive(t, removed)
	report = env.eng.Status(ctx, "ip:1.2.3.4", "/v1/x", "free")
	assert.Equal(t, int64(0), report.Windows[1].Used)
}

func TestResetLeavesPrefixNeighborsAlone(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultAlgorithm = "fixed_window"
	require.NoError(t, cfg.Validate())
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	env.eng.Check(ctx, CheckRequest{Identifier: "ip:10.0.0.1", Endpoint: "/v1/x"})
	env.eng.Check(ctx, CheckRequest{Identifier: "ip:10.0.0.10", Endpoint: "/v1/x"})

	_, err := env.eng.Reset(ctx, "ip:10.0.0.1", "minute")
	require.NoError(t, err)

	report := env.eng.Status(ctx, "ip:10.0.0.1", "/v1/x", "free")
	assert.Equal(t, int64(0), report.Windows[0].Used)
	neighbor := env.eng.Status(ctx, "ip:10.0.0.10", "/v1/x", "free")
	assert.Equal(t, int64(1), neighbor.Windows[0].Used,
		"resetting ip:10.0.0.1 must not touch ip:10.0.0.10")
}

func TestResetRejectsUnknownScope(t *testing.T) {
	env := newTestEnv(t, config.Default())
	_, err := env.eng.Reset(context.Background(), "ip:1.2.3.4", "fortnight")
	require.ErrorIs(t, err, ErrBadScope)
}

func TestGlobalStats(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{RequestsPerMinute: 1, BurstCapacity: 1})
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	req := CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"}

	env.eng.Check(ctx, req) // allowed
	env.eng.Check(ctx, req) // denied
	env.eng.Check(ctx, req) // denied

	stats := env.eng.GlobalStats()
	assert.Equal(t, int64(3), stats.TotalChecks)
	assert.Equal(t, int64(2), stats.BlockedChecks)
	assert.Equal(t, int64(1), stats.AllowedChecks)
	assert.Equal(t, "healthy", stats.BackendState)
	assert.True(t, stats.BackendHealthy)
	assert.NotEmpty(t, stats.InstanceID)
}

func TestStatusReadsFixedWindowUsage(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultAlgorithm = "fixed_window"
	require.NoError(t, cfg.Validate())
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	req := CheckRequest{Identifier: "ip:1.2.3.4", Endpoint: "/v1/x"}

	env.eng.Check(ctx, req)
	env.eng.Check(ctx, req)

	report := env.eng.Status(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.Equal(t, "fixed_window", report.Strategy)
	require.NotEmpty(t, report.Windows)
	minute := report.Windows[0]
	assert.Equal(t, "1m", minute.Window)
	assert.Equal(t, int64(2), minute.Used)
	assert.Equal(t, minute.Limit-2, minute.Remaining)
}

func TestStatusUnknownTierFallsBack(t *testing.T) {
	env := newTestEnv(t, config.Default())
	report := env.eng.Status(context.Background(), "ip:1.2.3.4", "", "ghost")
	assert.Equal(t, "free", report.Tier)
}

func TestAcquireConcurrencyGate(t *testing.T) {
	cfg := freeTier(config.Default(), config.TierLimits{
		RequestsPerMinute: 100, BurstCapacity: 100, ConcurrentRequests: 2,
	})
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	rel1, ok := env.eng.Acquire(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.True(t, ok)
	_, ok = env.eng.Acquire(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.True(t, ok)
	_, ok = env.eng.Acquire(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.False(t, ok, "third concurrent request should be refused")

	rel1()
	rel1() // release is idempotent
	_, ok = env.eng.Acquire(ctx, "ip:1.2.3.4", "/v1/x", "free")
	require.True(t, ok, "a released slot should be reusable")
}

func TestAcquireWithoutCeiling(t *testing.T) {
	env := newTestEnv(t, config.Default())
	release, ok := env.eng.Acquire(context.Background(), "ip:1.2.3.4", "/v1/x", "free")
	require.True(t, ok)
	release()
}

func TestUpdateConfigSwapsAndRebuilds(t *testing.T) {
	cfg := config.Default()
	now := base
	mem := backend.NewMemory()
	rebuilds := 0
	eng := New(cfg, mem,
		WithClock(func() time.Time { return now }),
		WithStoreFactory(func(*config.Config) (backend.AdmissionStore, error) {
			rebuilds++
			return backend.NewMemory(), nil
		}),
	)

	// same connection parameters: swap config, keep the store
	next := config.Default()
	next.Tiers["free"] = config.TierLimits{RequestsPerMinute: 5, BurstCapacity: 5}
	require.NoError(t, eng.UpdateConfig(next))
	assert.Equal(t, 0, rebuilds)
	assert.Equal(t, int64(5), eng.Config().Tiers["free"].RequestsPerMinute)

	// new address: the store is rebuilt
	moved := config.Default()
	moved.Redis.Addr = "redis-2:6379"
	require.NoError(t, eng.UpdateConfig(moved))
	assert.Equal(t, 1, rebuilds)
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, config.Default())
	require.Error(t, env.eng.UpdateConfig(nil))

	bad := config.Default()
	bad.DefaultAlgorithm = "roulette"
	require.Error(t, env.eng.UpdateConfig(bad))
	assert.Equal(t, "token_bucket", env.eng.Config().DefaultAlgorithm, "active config must survive a rejected update")
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "ip_1.2.3.4", sanitize("ip:1.2.3.4"))
	assert.Equal(t, "_v1_users", sanitize("/v1/users"))
	assert.Equal(t, "anon", sanitize(""))
}
