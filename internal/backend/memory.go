package backend

import (
	"context"
	"math"
	"path"
	"sync"
	"time"
)

type tokenState struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

type leakState struct {
	level     float64
	last      time.Time
	expiresAt time.Time
}

type slideState struct {
	stamps    []time.Time
	expiresAt time.Time
}

type counterEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// Memory is the in-process counter store. It is exact for all four
// algorithms but only sees traffic on this process instance, so when it
// serves as the fallback behind Failover the enforced quota is local,
// not cluster-wide.
//
// Expired entries are dropped lazily on access; long-lived processes
// should also run StartSweeper to evict keys that stop receiving
// traffic.
type Memory struct {
	mu       sync.Mutex
	buckets  map[string]*tokenState
	leaks    map[string]*leakState
	slides   map[string]*slideState
	counters map[string]*counterEntry
	now      func() time.Time
	closed   bool
}

// NewMemory constructs an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		buckets:  make(map[string]*tokenState),
		leaks:    make(map[string]*leakState),
		slides:   make(map[string]*slideState),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock used for counter TTLs and sweeping.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Healthy() bool { return true }
func (m *Memory) State() State  { return StateHealthy }

func (m *Memory) TokenBucket(_ context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	burst := p.Burst
	if burst <= 0 {
		burst = p.Limit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}

	st, ok := m.buckets[key]
	if !ok || p.Now.After(st.expiresAt) {
		st = &tokenState{tokens: float64(burst), last: p.Now}
		m.buckets[key] = st
	}
	elapsed := p.Now.Sub(st.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	// multiply before dividing so integer ratios stay exact
	st.tokens += elapsed * float64(p.Limit) / p.Window.Seconds()
	if st.tokens > float64(burst) {
		st.tokens = float64(burst)
	}
	st.last = p.Now

	allowed := st.tokens >= 1
	if allowed {
		st.tokens--
	}
	rate := float64(p.Limit) / p.Window.Seconds()
	st.expiresAt = p.Now.Add(secs((float64(burst)-st.tokens)/rate) + p.Window)

	out := Outcome{
		Allowed:   allowed,
		Remaining: int64(st.tokens),
		Current:   burst - int64(st.tokens),
		ResetAt:   p.Now.Add(secs((float64(burst) - st.tokens) / rate)),
	}
	if !allowed {
		out.RetryAfter = secs((1 - st.tokens) / rate)
	}
	return out, nil
}

func (m *Memory) FixedWindow(_ context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}

	start := p.Now.Truncate(p.Window)
	reset := start.Add(p.Window)

	e, ok := m.counters[key]
	if !ok || p.Now.After(e.expiresAt) {
		e = &counterEntry{expiresAt: reset.Add(time.Second)}
		m.counters[key] = e
	}
	e.value++

	allowed := e.value <= p.Limit
	remaining := p.Limit - e.value
	if remaining < 0 {
		remaining = 0
	}
	out := Outcome{
		Allowed:   allowed,
		Remaining: remaining,
		Current:   e.value,
		ResetAt:   reset,
	}
	if !allowed {
		out.RetryAfter = reset.Sub(p.Now)
	}
	return out, nil
}

func (m *Memory) SlidingWindow(_ context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}

	st, ok := m.slides[key]
	if !ok {
		st = &slideState{}
		m.slides[key] = st
	}
	cutoff := p.Now.Add(-p.Window)
	kept := st.stamps[:0]
	for _, ts := range st.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.stamps = kept

	allowed := int64(len(st.stamps)) < p.Limit
	if allowed {
		st.stamps = append(st.stamps, p.Now)
	}
	st.expiresAt = p.Now.Add(p.Window + time.Second)

	count := int64(len(st.stamps))
	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	reset := p.Now.Add(p.Window)
	if len(st.stamps) > 0 {
		reset = st.stamps[0].Add(p.Window)
	}
	out := Outcome{
		Allowed:   allowed,
		Remaining: remaining,
		Current:   count,
		ResetAt:   reset,
	}
	if !allowed {
		retry := reset.Sub(p.Now)
		if retry < 0 {
			retry = 0
		}
		out.RetryAfter = retry
	}
	return out, nil
}

func (m *Memory) LeakyBucket(_ context.Context, key string, p Params) (Outcome, error) {
	if err := validate(p); err != nil {
		return Outcome{}, err
	}
	size := p.Burst
	if size <= 0 {
		size = p.Limit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}

	st, ok := m.leaks[key]
	if !ok || p.Now.After(st.expiresAt) {
		st = &leakState{last: p.Now}
		m.leaks[key] = st
	}
	elapsed := p.Now.Sub(st.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.level -= elapsed * float64(p.Limit) / p.Window.Seconds()
	if st.level < 0 {
		st.level = 0
	}
	st.last = p.Now

	allowed := st.level < float64(size)
	if allowed {
		st.level++
	}
	rate := float64(p.Limit) / p.Window.Seconds()
	st.expiresAt = p.Now.Add(secs(st.level/rate) + p.Window)

	remaining := size - int64(math.Ceil(st.level))
	if remaining < 0 {
		remaining = 0
	}
	out := Outcome{
		Allowed:   allowed,
		Remaining: remaining,
		Current:   int64(math.Ceil(st.level)),
		ResetAt:   p.Now.Add(secs(st.level / rate)),
	}
	if !allowed {
		out.RetryAfter = secs((st.level - float64(size) + 1) / rate)
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.counters[key]
	if !ok || (!e.expiresAt.IsZero() && m.now().After(e.expiresAt)) {
		return 0, nil
	}
	return e.value, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	now := m.now()
	e, ok := m.counters[key]
	if !ok || (!e.expiresAt.IsZero() && now.After(e.expiresAt)) {
		e = &counterEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.counters[key] = e
	}
	e.value++
	return e.value, nil
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.counters[key]
	if !ok {
		return 0, nil
	}
	if e.value > 0 {
		e.value--
	}
	return e.value, nil
}

func (m *Memory) DeleteMatching(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var removed int64
	for key := range m.buckets {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.buckets, key)
			removed++
		}
	}
	for key := range m.leaks {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.leaks, key)
			removed++
		}
	}
	for key := range m.slides {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.slides, key)
			removed++
		}
	}
	for key := range m.counters {
		if matched, _ := path.Match(pattern, key); matched {
			delete(m.counters, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sweep drops every expired entry. Unlike Redis keys, which expire on
// their own, the local maps need this called periodically.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	dropped := 0
	for key, st := range m.buckets {
		if now.After(st.expiresAt) {
			delete(m.buckets, key)
			dropped++
		}
	}
	for key, st := range m.leaks {
		if now.After(st.expiresAt) {
			delete(m.leaks, key)
			dropped++
		}
	}
	for key, st := range m.slides {
		if now.After(st.expiresAt) {
			delete(m.slides, key)
			dropped++
		}
	}
	for key, e := range m.counters {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.counters, key)
			dropped++
		}
	}
	return dropped
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

func validate(p Params) error {
	if p.Limit <= 0 || p.Window <= 0 {
		return ErrInvalidParams
	}
	return nil
}

func secs(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}
