// Package engine resolves which algorithm and limits apply to a
// request, runs checks across every tracked dimension, and merges the
// outcomes into one verdict. It is the only component callers talk to;
// backend failures never escape it as errors, only as policy results.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/admitkit/admitkit/internal/backend"
	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/obs"
	"github.com/admitkit/admitkit/internal/strategy"
)

// CheckRequest identifies one inbound request across the dimensions the
// engine tracks. Identifier is a client IP or API key hash; UserID is
// empty when the caller is not authenticated. CustomLimits and Strategy
// override the configured resolution when set.
type CheckRequest struct {
	Identifier   string
	Endpoint     string
	Tier         string
	UserID       string
	CustomLimits *config.TierLimits
	Strategy     *strategy.Strategy
}

// Engine evaluates admission decisions. Safe for concurrent use; all
// cross-instance coordination happens through the backend's atomic
// operations, never through in-process locks.
type Engine struct {
	mu    sync.RWMutex
	cfg   *config.Config
	store backend.AdmissionStore

	keys    keyBuilder
	clock   func() time.Time
	log     zerolog.Logger
	metrics *obs.Metrics
	rebuild func(*config.Config) (backend.AdmissionStore, error)

	total      atomic.Int64
	blocked    atomic.Int64
	startedAt  time.Time
	instanceID string
}

type Option func(*Engine)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStoreFactory lets UpdateConfig rebuild the backend when the
// connection parameters change. Without it config swaps keep the
// existing store.
func WithStoreFactory(f func(*config.Config) (backend.AdmissionStore, error)) Option {
	return func(e *Engine) { e.rebuild = f }
}

func New(cfg *config.Config, store backend.AdmissionStore, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      store,
		keys:       keyBuilder{prefix: cfg.Redis.KeyPrefix},
		clock:      time.Now,
		log:        zerolog.Nop(),
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.startedAt = e.clock()
	return e
}

func (e *Engine) snapshot() (*config.Config, backend.AdmissionStore) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.store
}

type dimension struct {
	kind string
	id   string
}

// Check runs the full admission pipeline and always returns a usable
// result; errors are converted into the configured failure policy.
func (e *Engine) Check(ctx context.Context, req CheckRequest) strategy.Result {
	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.CheckDuration.Observe(time.Since(started).Seconds())
		}
	}()

	cfg, store := e.snapshot()
	e.total.Add(1)

	if cfg.Disabled {
		return disabledResult(e.clock())
	}
	now := e.clock()

	if res, err := e.globalBrake(ctx, cfg, store, now); err != nil {
		return e.errorResult(cfg, now, err)
	} else if res != nil {
		e.recordVerdict(*res, "global")
		return *res
	}

	tier := req.Tier
	if _, ok := cfg.Tiers[tier]; !ok {
		tier = cfg.DefaultTier
	}
	limits := cfg.LimitsFor(req.Endpoint, tier)
	if req.CustomLimits != nil {
		limits = *req.CustomLimits
	}
	st := cfg.StrategyFor(req.Endpoint)
	if req.Strategy != nil {
		st = *req.Strategy
	}

	dims := []dimension{
		{"id", sanitize(req.Identifier)},
		{"endpoint", sanitize(req.Endpoint)},
	}
	if req.UserID != "" {
		dims = append(dims, dimension{"user", sanitize(req.UserID)})
	}
	dims = append(dims, dimension{"tier", sanitize(tier)})

	ladder := []struct {
		w     window
		limit int64
	}{
		{windowMinute, limits.RequestsPerMinute},
		{windowHour, limits.RequestsPerHour},
		{windowDay, limits.RequestsPerDay},
	}

	var tightest *strategy.Result
	for _, d := range dims {
		var dimRes *strategy.Result
		for _, rung := range ladder {
			if rung.limit <= 0 {
				continue
			}
			p := backend.Params{
				Limit:  rung.limit,
				Window: rung.w.dur,
				Burst:  limits.BurstCapacity,
				Now:    now,
			}
			res, err := strategy.Check(ctx, st, store, e.keys.limit(st, rung.w, d.kind, d.id), p)
			if err != nil {
				return e.errorResult(cfg, now, err)
			}
			dimRes = &res
			if !res.Allowed {
				break
			}
		}
		if dimRes == nil {
			continue
		}
		if !dimRes.Allowed {
			// any denied dimension wins outright
			e.recordVerdict(*dimRes, d.kind)
			return *dimRes
		}
		if tightest == nil || dimRes.Remaining < tightest.Remaining {
			tightest = dimRes
		}
	}

	if ep, ok := cfg.Endpoints[req.Endpoint]; ok && ep.Heavy && limits.HeavyPerHour > 0 {
		res, err := strategy.Check(ctx, strategy.FixedWindow, store,
			e.keys.limit(strategy.FixedWindow, windowHour, "heavy", sanitize(req.Identifier)),
			backend.Params{Limit: limits.HeavyPerHour, Window: windowHour.dur, Now: now})
		if err != nil {
			return e.errorResult(cfg, now, err)
		}
		if !res.Allowed {
			e.recordVerdict(res, "heavy")
			return res
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			tightest = &res
		}
	}

	if tightest == nil {
		// nothing enforced for this tier/endpoint
		res := disabledResult(now)
		res.Strategy = st.String()
		return res
	}
	e.recordVerdict(*tightest, "")
	return *tightest
}

// globalBrake checks the identity-agnostic per-second and per-minute
// ceilings. A non-nil result means the brake denied the request.
func (e *Engine) globalBrake(ctx context.Context, cfg *config.Config, store backend.Store, now time.Time) (*strategy.Result, error) {
	brakes := []struct {
		w     window
		limit int64
	}{
		{windowSecond, cfg.Global.RequestsPerSecond},
		{windowMinute, cfg.Global.RequestsPerMinute},
	}
	for _, b := range brakes {
		if b.limit <= 0 {
			continue
		}
		key := e.keys.limit(strategy.FixedWindow, b.w, "global", "all")
		res, err := strategy.Check(ctx, strategy.FixedWindow, store, key,
			backend.Params{Limit: b.limit, Window: b.w.dur, Now: now})
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			res.Strategy = "emergency_brake"
			return &res, nil
		}
	}
	return nil, nil
}

// Acquire reserves a concurrency slot for the identifier when the tier
// carries a concurrent ceiling. release must be called exactly once
// when the request finishes; it is a no-op func when no ceiling
// applies. Advisory: a backend failure admits rather than blocks.
func (e *Engine) Acquire(ctx context.Context, identifier, endpoint, tier string) (release func(), ok bool) {
	cfg, store := e.snapshot()
	noop := func() {}
	if cfg.Disabled {
		return noop, true
	}
	limits := cfg.LimitsFor(endpoint, tier)
	if limits.ConcurrentRequests <= 0 {
		return noop, true
	}
	key := e.keys.concurrency(sanitize(identifier))
	n, err := store.Incr(ctx, key, 2*time.Minute)
	if err != nil {
		e.log.Warn().Err(err).Msg("concurrency gate unavailable, admitting")
		return noop, true
	}
	if n > limits.ConcurrentRequests {
		_, _ = store.Decr(ctx, key)
		return noop, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, _ = store.Decr(ctx, key)
		})
	}, true
}

func (e *Engine) recordVerdict(res strategy.Result, dimension string) {
	if !res.Allowed {
		e.blocked.Add(1)
	}
	if e.metrics == nil {
		return
	}
	verdict := "allowed"
	if !res.Allowed {
		verdict = "denied"
		if dimension != "" {
			e.metrics.BlockedTotal.WithLabelValues(dimension).Inc()
		}
	}
	e.metrics.ChecksTotal.WithLabelValues(res.Strategy, verdict).Inc()
}

// errorResult applies the failure policy to an unexpected error. With
// allow_on_error the caller is admitted on a conservative margin,
// otherwise denied with a short retry.
func (e *Engine) errorResult(cfg *config.Config, now time.Time, err error) strategy.Result {
	if e.metrics != nil {
		e.metrics.BackendErrors.Inc()
	}
	e.log.Warn().Err(err).Bool("allow_on_error", cfg.Failure.AllowOnError).Msg("check failed, applying error policy")
	if cfg.Failure.AllowOnError {
		res := strategy.Result{
			Allowed:   true,
			Remaining: 1,
			ResetTime: now.Add(time.Minute),
			Strategy:  "fallback",
		}
		e.recordVerdict(res, "")
		return res
	}
	res := strategy.Result{
		Allowed:    false,
		Remaining:  0,
		ResetTime:  now.Add(time.Second),
		RetryAfter: time.Second,
		Strategy:   "fallback",
	}
	e.recordVerdict(res, "error")
	return res
}

func disabledResult(now time.Time) strategy.Result {
	return strategy.Result{
		Allowed:   true,
		Remaining: -1, // unlimited
		ResetTime: now,
		Strategy:  "disabled",
	}
}
