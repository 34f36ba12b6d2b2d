package backend

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// FailoverOptions tunes health tracking on the Failover wrapper.
type FailoverOptions struct {
	// ProbeInterval bounds how often the primary is re-probed while
	// degraded. Recovery never happens before the next probe, which
	// keeps the state from flapping.
	ProbeInterval time.Duration
	// FallbackToLocal routes checks to the process-local store while
	// degraded. When false, operations fail with ErrUnavailable and the
	// engine's error policy decides the verdict.
	FallbackToLocal bool
	Clock           func() time.Time
	Logger          zerolog.Logger
	// OnStateChange is invoked after every transition, outside any lock.
	OnStateChange func(State)
}

// Failover routes operations to the primary store while it is healthy
// and to the process-local Memory store while it is not. Health is a
// cached flag: an operation failure trips Healthy→Degraded immediately,
// but Degraded→Healthy only happens on a successful probe after
// ProbeInterval has passed.
//
// Degraded mode is process-local enforcement. Each instance counts its
// own traffic, so cluster-wide quota is only approximated until the
// primary recovers.
type Failover struct {
	primary Store
	local   *Memory
	opts    FailoverOptions

	state     atomic.Int32
	lastProbe atomic.Int64 // unix nanos of the last probe or failure
	probing   atomic.Bool
}

// NewFailover wraps primary. The local store is used only when
// FallbackToLocal is set; without it, degraded operations fail with
// ErrUnavailable so the caller's error policy decides.
func NewFailover(primary Store, local *Memory, opts FailoverOptions) *Failover {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if !opts.FallbackToLocal {
		local = nil
	} else if local == nil {
		local = NewMemory()
	}
	f := &Failover{primary: primary, local: local, opts: opts}
	f.state.Store(int32(StateUninitialized))
	return f
}

// Local exposes the fallback store so the owner can run its sweeper.
// Returns nil when fallback is disabled.
func (f *Failover) Local() *Memory { return f.local }

func (f *Failover) State() State  { return State(f.state.Load()) }
func (f *Failover) Healthy() bool { return f.State() == StateHealthy }

func (f *Failover) TokenBucket(ctx context.Context, key string, p Params) (Outcome, error) {
	return f.check(ctx, func(s Store) (Outcome, error) { return s.TokenBucket(ctx, key, p) })
}

func (f *Failover) FixedWindow(ctx context.Context, key string, p Params) (Outcome, error) {
	return f.check(ctx, func(s Store) (Outcome, error) { return s.FixedWindow(ctx, key, p) })
}

func (f *Failover) SlidingWindow(ctx context.Context, key string, p Params) (Outcome, error) {
	return f.check(ctx, func(s Store) (Outcome, error) { return s.SlidingWindow(ctx, key, p) })
}

func (f *Failover) LeakyBucket(ctx context.Context, key string, p Params) (Outcome, error) {
	return f.check(ctx, func(s Store) (Outcome, error) { return s.LeakyBucket(ctx, key, p) })
}

func (f *Failover) Get(ctx context.Context, key string) (int64, error) {
	return f.count(ctx, func(s Store) (int64, error) { return s.Get(ctx, key) })
}

func (f *Failover) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return f.count(ctx, func(s Store) (int64, error) { return s.Incr(ctx, key, ttl) })
}

func (f *Failover) Decr(ctx context.Context, key string) (int64, error) {
	return f.count(ctx, func(s Store) (int64, error) { return s.Decr(ctx, key) })
}

// DeleteMatching clears both stores so a reset also wipes any counts
// accumulated while degraded.
func (f *Failover) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	if f.local != nil {
		n, _ := f.local.DeleteMatching(ctx, pattern)
		removed += n
	}
	if f.State() == StateClosed {
		return removed, ErrClosed
	}
	n, err := f.primary.DeleteMatching(ctx, pattern)
	removed += n
	if err != nil {
		f.markDegraded(err)
		if f.local != nil {
			return removed, nil
		}
		return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	f.markHealthyFromOp()
	return removed, nil
}

func (f *Failover) Ping(ctx context.Context) error {
	if f.State() == StateClosed {
		return ErrClosed
	}
	return f.primary.Ping(ctx)
}

func (f *Failover) Close() error {
	f.transition(StateClosed)
	var err error
	if f.primary != nil {
		err = f.primary.Close()
	}
	if f.local != nil {
		if lerr := f.local.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

func (f *Failover) check(ctx context.Context, op func(Store) (Outcome, error)) (Outcome, error) {
	target, usingLocal, err := f.route(ctx)
	if err != nil {
		return Outcome{}, err
	}
	out, err := op(target)
	if err == nil {
		if !usingLocal {
			f.markHealthyFromOp()
		}
		return out, nil
	}
	if usingLocal || errors.Is(err, ErrInvalidParams) {
		return Outcome{}, err
	}
	f.markDegraded(err)
	if f.local != nil {
		return op(f.local)
	}
	return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (f *Failover) count(ctx context.Context, op func(Store) (int64, error)) (int64, error) {
	target, usingLocal, err := f.route(ctx)
	if err != nil {
		return 0, err
	}
	v, err := op(target)
	if err == nil {
		if !usingLocal {
			f.markHealthyFromOp()
		}
		return v, nil
	}
	if usingLocal {
		return 0, err
	}
	f.markDegraded(err)
	if f.local != nil {
		return op(f.local)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// route picks the store for the next operation, probing the primary
// when the probe interval has elapsed.
func (f *Failover) route(ctx context.Context) (Store, bool, error) {
	switch f.State() {
	case StateClosed:
		return nil, false, ErrClosed
	case StateDegraded:
		f.maybeProbe(ctx)
		if f.State() == StateHealthy {
			return f.primary, false, nil
		}
		if f.local != nil {
			return f.local, true, nil
		}
		return nil, false, ErrUnavailable
	default:
		return f.primary, false, nil
	}
}

func (f *Failover) maybeProbe(ctx context.Context) {
	now := f.opts.Clock()
	last := time.Unix(0, f.lastProbe.Load())
	if now.Sub(last) < f.opts.ProbeInterval {
		return
	}
	// one prober at a time; everyone else stays on the fallback
	if !f.probing.CompareAndSwap(false, true) {
		return
	}
	defer f.probing.Store(false)
	f.lastProbe.Store(now.UnixNano())
	if err := f.primary.Ping(ctx); err != nil {
		f.opts.Logger.Debug().Err(err).Msg("backend probe failed")
		return
	}
	f.transition(StateHealthy)
}

// markHealthyFromOp promotes only the initial connection. A degraded
// backend must wait for a probe even if a stray call succeeded.
func (f *Failover) markHealthyFromOp() {
	if f.state.CompareAndSwap(int32(StateUninitialized), int32(StateHealthy)) {
		f.notify(StateHealthy)
	}
}

func (f *Failover) markDegraded(cause error) {
	f.lastProbe.Store(f.opts.Clock().UnixNano())
	prev := State(f.state.Swap(int32(StateDegraded)))
	if prev != StateDegraded {
		f.opts.Logger.Warn().Err(cause).Msg("backend degraded, using local fallback")
		f.notify(StateDegraded)
	}
}

func (f *Failover) transition(next State) {
	prev := State(f.state.Swap(int32(next)))
	if prev != next {
		if next == StateHealthy {
			f.opts.Logger.Info().Msg("backend recovered")
		}
		f.notify(next)
	}
}

func (f *Failover) notify(s State) {
	if f.opts.OnStateChange != nil {
		f.opts.OnStateChange(s)
	}
}
