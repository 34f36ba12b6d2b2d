package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/admitkit/admitkit/internal/backend"
	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/strategy"
)

// ErrBadScope is returned by Reset for an unknown window scope.
var ErrBadScope = errors.New(`scope must be "", "minute", "hour" or "day"`)

// WindowStatus is advisory usage for one window. Used is -1 when the
// configured algorithm keeps state the status reader cannot count
// (bucket levels, timestamp sets).
type WindowStatus struct {
	Window    string `json:"window"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// StatusReport describes configured limits and best-effort usage for
// one identifier. It is assembled from plain reads, not the atomic
// check path, so it may trail live traffic slightly.
type StatusReport struct {
	Identifier   string            `json:"identifier"`
	Tier         string            `json:"tier"`
	Strategy     string            `json:"strategy"`
	Limits       config.TierLimits `json:"limits"`
	Windows      []WindowStatus    `json:"windows"`
	BackendState string            `json:"backend_state"`
}

// Stats is the engine-wide counter snapshot.
type Stats struct {
	InstanceID     string        `json:"instance_id"`
	Uptime         time.Duration `json:"uptime"`
	TotalChecks    int64         `json:"total_checks"`
	BlockedChecks  int64         `json:"blocked_checks"`
	AllowedChecks  int64         `json:"allowed_checks"`
	BackendState   string        `json:"backend_state"`
	BackendHealthy bool          `json:"backend_healthy"`
}

// Status reports the limits that would apply to identifier on endpoint
// (empty endpoint means the tier defaults) and current usage where it
// can be read cheaply.
func (e *Engine) Status(ctx context.Context, identifier, endpoint, tier string) StatusReport {
	cfg, store := e.snapshot()
	if _, ok := cfg.Tiers[tier]; !ok {
		tier = cfg.DefaultTier
	}
	limits := cfg.LimitsFor(endpoint, tier)
	st := cfg.StrategyFor(endpoint)
	now := e.clock()

	report := StatusReport{
		Identifier:   identifier,
		Tier:         tier,
		Strategy:     st.String(),
		Limits:       limits,
		BackendState: store.State().String(),
	}

	ladder := []struct {
		w     window
		limit int64
	}{
		{windowMinute, limits.RequestsPerMinute},
		{windowHour, limits.RequestsPerHour},
		{windowDay, limits.RequestsPerDay},
	}
	for _, rung := range ladder {
		if rung.limit <= 0 {
			continue
		}
		ws := WindowStatus{Window: rung.w.tag, Limit: rung.limit, Used: -1, Remaining: -1}
		if st == strategy.FixedWindow {
			base := e.keys.limit(st, rung.w, "id", sanitize(identifier))
			if used, err := store.Get(ctx, strategy.FixedWindowKey(base, now, rung.w.dur)); err == nil {
				ws.Used = used
				ws.Remaining = rung.limit - used
				if ws.Remaining < 0 {
					ws.Remaining = 0
				}
			}
		}
		report.Windows = append(report.Windows, ws)
	}
	return report
}

// Reset deletes every backend key tracking identifier, across all
// dimensions and algorithms. scope narrows the wipe to one window
// granularity. Returns the number of keys removed.
func (e *Engine) Reset(ctx context.Context, identifier, scope string) (int64, error) {
	tag := ""
	if scope != "" {
		w, ok := windowByScope(scope)
		if !ok {
			return 0, ErrBadScope
		}
		tag = w.tag
	}
	_, store := e.snapshot()
	var removed int64
	for _, pattern := range e.keys.resetPatterns(sanitize(identifier), tag) {
		n, err := store.DeleteMatching(ctx, pattern)
		removed += n
		if err != nil {
			return removed, fmt.Errorf("reset %s: %w", identifier, err)
		}
	}
	e.log.Info().Str("identifier", identifier).Str("scope", scope).Int64("removed", removed).Msg("limits reset")
	return removed, nil
}

// GlobalStats returns process-local counters plus cached backend health.
func (e *Engine) GlobalStats() Stats {
	_, store := e.snapshot()
	total := e.total.Load()
	blocked := e.blocked.Load()
	return Stats{
		InstanceID:     e.instanceID,
		Uptime:         e.clock().Sub(e.startedAt),
		TotalChecks:    total,
		BlockedChecks:  blocked,
		AllowedChecks:  total - blocked,
		BackendState:   store.State().String(),
		BackendHealthy: store.Healthy(),
	}
}

// BackendHealth reports the cached connection state.
func (e *Engine) BackendHealth() (backend.State, bool) {
	_, store := e.snapshot()
	return store.State(), store.Healthy()
}

// Config returns the active configuration. Treat it as read-only; swap
// via UpdateConfig.
func (e *Engine) Config() *config.Config {
	cfg, _ := e.snapshot()
	return cfg
}

// UpdateConfig validates and hot-swaps the configuration. When the
// backend connection parameters changed and a store factory was
// provided, the backend is rebuilt and the old one closed; on factory
// failure the previous config and store stay active.
func (e *Engine) UpdateConfig(next *config.Config) error {
	if next == nil {
		return errors.New("nil config")
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update config: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rebuild != nil && connChanged(e.cfg.Redis, next.Redis) {
		store, err := e.rebuild(next)
		if err != nil {
			return fmt.Errorf("rebuild backend: %w", err)
		}
		old := e.store
		e.store = store
		if old != nil {
			_ = old.Close()
		}
		e.log.Info().Str("addr", next.Redis.Addr).Msg("backend reconnected for new config")
	}
	e.cfg = next
	e.keys = keyBuilder{prefix: next.Redis.KeyPrefix}
	e.log.Info().Msg("configuration updated")
	return nil
}

func connChanged(a, b config.Redis) bool {
	return a.Addr != b.Addr || a.Password != b.Password || a.DB != b.DB
}
