package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/admitkit/admitkit/internal/strategy"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// GlobalLimits is the emergency brake: identity-agnostic ceilings that
// protect the system itself regardless of any per-caller quota.
type GlobalLimits struct {
	RequestsPerSecond int64 `yaml:"requests_per_second"`
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
}

// TierLimits is the immutable per-tier quota set. Zero means the
// corresponding window is not enforced. Configuration authors are
// expected to keep hour and day ceilings at or above the minute ceiling
// scaled to the window; Warnings reports violations but they are not
// rejected.
type TierLimits struct {
	RequestsPerMinute  int64 `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour    int64 `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay     int64 `yaml:"requests_per_day" json:"requests_per_day"`
	BurstCapacity      int64 `yaml:"burst_capacity" json:"burst_capacity"`
	ConcurrentRequests int64 `yaml:"concurrent_requests" json:"concurrent_requests"`
	// HeavyPerHour is a secondary hourly cap applied to endpoints
	// marked heavy (expensive operations).
	HeavyPerHour int64 `yaml:"heavy_per_hour" json:"heavy_per_hour"`
}

// Endpoint selects an algorithm and optional per-tier overrides for one
// route path. A tier missing from Tiers falls back to the global tier
// default.
type Endpoint struct {
	Algorithm string                `yaml:"algorithm"`
	Heavy     bool                  `yaml:"heavy"`
	Tiers     map[string]TierLimits `yaml:"tiers"`

	// Strategy is Algorithm resolved at load time; empty Algorithm
	// inherits the config default.
	Strategy strategy.Strategy `yaml:"-" json:"-"`
	override bool
}

// StrategyOverridden reports whether the endpoint names its own
// algorithm rather than inheriting the default.
func (e Endpoint) StrategyOverridden() bool { return e.override }

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
	Tier   string `yaml:"tier"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// Failure controls behavior when the shared store is unreachable.
type Failure struct {
	AllowOnError          bool `yaml:"allow_on_error"`
	FallbackToLocalMemory bool `yaml:"fallback_to_local_memory"`
	ProbeIntervalMS       int  `yaml:"probe_interval_ms"`
	SweepIntervalMS       int  `yaml:"sweep_interval_ms"`
}

type Config struct {
	// Disabled switches every check to an always-allowed result.
	Disabled bool `yaml:"disabled"`

	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Redis         Redis         `yaml:"redis"`
	Auth          Auth          `yaml:"auth"`

	DefaultAlgorithm string                `yaml:"default_algorithm"`
	DefaultTier      string                `yaml:"default_tier"`
	Global           GlobalLimits          `yaml:"global"`
	Tiers            map[string]TierLimits `yaml:"tiers"`
	Endpoints        map[string]Endpoint   `yaml:"endpoints"`
	Failure          Failure               `yaml:"failure"`

	DefaultStrategy strategy.Strategy `yaml:"-" json:"-"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
}

func (r Redis) Timeout() time.Duration {
	if r.TimeoutMS == 0 {
		return 2 * time.Second
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

func (f Failure) ProbeInterval() time.Duration {
	if f.ProbeIntervalMS == 0 {
		return 30 * time.Second
	}
	return time.Duration(f.ProbeIntervalMS) * time.Millisecond
}

func (f Failure) SweepInterval() time.Duration {
	if f.SweepIntervalMS == 0 {
		return time.Minute
	}
	return time.Duration(f.SweepIntervalMS) * time.Millisecond
}

// Default returns a usable configuration with one permissive tier.
// Tests and embedders start from this and override what they need.
func Default() *Config {
	cfg := &Config{
		DefaultAlgorithm: "token_bucket",
		DefaultTier:      "free",
		Tiers: map[string]TierLimits{
			"free": {
				RequestsPerMinute: 60,
				RequestsPerHour:   3600,
				RequestsPerDay:    86400,
				BurstCapacity:     30,
			},
		},
		Failure: Failure{AllowOnError: true, FallbackToLocalMemory: true},
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		panic(err) // static defaults, cannot fail
	}
	return cfg
}

// Load reads, defaults, resolves, and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a validated Config from raw YAML.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "admitkit:rl"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.DefaultAlgorithm == "" {
		cfg.DefaultAlgorithm = "token_bucket"
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = "free"
	}
	if cfg.Tiers == nil {
		cfg.Tiers = map[string]TierLimits{}
	}
	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		cfg.Tiers[cfg.DefaultTier] = TierLimits{
			RequestsPerMinute: 60,
			RequestsPerHour:   3600,
			RequestsPerDay:    86400,
			BurstCapacity:     30,
		}
	}
	for name, tl := range cfg.Tiers {
		if tl.BurstCapacity == 0 {
			tl.BurstCapacity = tl.RequestsPerMinute
			cfg.Tiers[name] = tl
		}
	}
	for path, ep := range cfg.Endpoints {
		for tier, tl := range ep.Tiers {
			if tl.BurstCapacity == 0 {
				tl.BurstCapacity = tl.RequestsPerMinute
				ep.Tiers[tier] = tl
			}
		}
		cfg.Endpoints[path] = ep
	}
}

// Validate rejects broken configurations and resolves algorithm names
// to Strategy values so nothing downstream matches on strings.
func (cfg *Config) Validate() error {
	st, err := strategy.Parse(cfg.DefaultAlgorithm)
	if err != nil {
		return fmt.Errorf("default_algorithm: %w", err)
	}
	cfg.DefaultStrategy = st

	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return fmt.Errorf("default_tier %q is not defined in tiers", cfg.DefaultTier)
	}
	for name, tl := range cfg.Tiers {
		if err := tl.validate(); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}
	for path, ep := range cfg.Endpoints {
		ep.override = ep.Algorithm != ""
		ep.Strategy = cfg.DefaultStrategy
		if ep.override {
			st, err := strategy.Parse(ep.Algorithm)
			if err != nil {
				return fmt.Errorf("endpoint %q: %w", path, err)
			}
			ep.Strategy = st
		}
		for tier, tl := range ep.Tiers {
			if _, ok := cfg.Tiers[tier]; !ok {
				return fmt.Errorf("endpoint %q references unknown tier %q", path, tier)
			}
			if err := tl.validate(); err != nil {
				return fmt.Errorf("endpoint %q tier %q: %w", path, tier, err)
			}
		}
		cfg.Endpoints[path] = ep
	}
	if cfg.Global.RequestsPerSecond < 0 || cfg.Global.RequestsPerMinute < 0 {
		return fmt.Errorf("global limits must be non-negative")
	}
	return nil
}

func (tl TierLimits) validate() error {
	if tl.RequestsPerMinute < 0 || tl.RequestsPerHour < 0 || tl.RequestsPerDay < 0 ||
		tl.BurstCapacity < 0 || tl.ConcurrentRequests < 0 || tl.HeavyPerHour < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	return nil
}

// Warnings reports soft-invariant violations: hour or day ceilings
// below what a smaller window already permits. These usually mean the
// larger window, not the smaller one, ends up doing the limiting.
func (cfg *Config) Warnings() []string {
	var warns []string
	check := func(scope string, tl TierLimits) {
		if tl.RequestsPerHour > 0 && tl.RequestsPerMinute > 0 && tl.RequestsPerHour < tl.RequestsPerMinute {
			warns = append(warns, fmt.Sprintf("%s: hourly cap %d is below the per-minute cap %d", scope, tl.RequestsPerHour, tl.RequestsPerMinute))
		}
		if tl.RequestsPerDay > 0 && tl.RequestsPerHour > 0 && tl.RequestsPerDay < tl.RequestsPerHour {
			warns = append(warns, fmt.Sprintf("%s: daily cap %d is below the hourly cap %d", scope, tl.RequestsPerDay, tl.RequestsPerHour))
		}
	}
	for name, tl := range cfg.Tiers {
		check("tier "+name, tl)
	}
	for path, ep := range cfg.Endpoints {
		for tier, tl := range ep.Tiers {
			check("endpoint "+path+" tier "+tier, tl)
		}
	}
	return warns
}

// LimitsFor resolves the effective limits for a tier on an endpoint:
// endpoint override first, then the global tier default, then the
// default tier.
func (cfg *Config) LimitsFor(endpoint, tier string) TierLimits {
	if ep, ok := cfg.Endpoints[endpoint]; ok {
		if tl, ok := ep.Tiers[tier]; ok {
			return tl
		}
	}
	if tl, ok := cfg.Tiers[tier]; ok {
		return tl
	}
	return cfg.Tiers[cfg.DefaultTier]
}

// StrategyFor resolves the algorithm for an endpoint.
func (cfg *Config) StrategyFor(endpoint string) strategy.Strategy {
	if ep, ok := cfg.Endpoints[endpoint]; ok && ep.override {
		return ep.Strategy
	}
	return cfg.DefaultStrategy
}
