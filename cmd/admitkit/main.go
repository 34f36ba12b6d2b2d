package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/admitkit/admitkit/internal/auth"
	"github.com/admitkit/admitkit/internal/backend"
	"github.com/admitkit/admitkit/internal/config"
	"github.com/admitkit/admitkit/internal/engine"
	"github.com/admitkit/admitkit/internal/gateway"
	"github.com/admitkit/admitkit/internal/obs"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(cfg, logger, metrics)
	if err != nil {
		log.Fatalf("build store: %v", err)
	}
	startSweeper(ctx, store, cfg.Failure.SweepInterval())

	eng := engine.New(cfg, store,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithStoreFactory(func(next *config.Config) (backend.AdmissionStore, error) {
			s, err := buildStore(next, logger, metrics)
			if err != nil {
				return nil, err
			}
			startSweeper(ctx, s, next.Failure.SweepInterval())
			return s, nil
		}),
	)

	go func() {
		if err := config.Watch(ctx, *configPath, logger, eng.UpdateConfig); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	pairs := make(map[string]auth.Identity, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = auth.Identity{KeyID: k.ID, Tier: k.Tier}
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, pairs)

	metricsPath := cfg.Observability.PrometheusPath

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/check", gateway.CheckHandler(eng))
	mux.Handle("/admin/", gateway.AdminHandler(eng))

	// ops and control-plane paths bypass quota enforcement
	skip := map[string]struct{}{
		"/health":       {},
		"/version":      {},
		metricsPath:     {},
		"/v1/check":     {},
		"/admin/stats":  {},
		"/admin/status": {},
		"/admin/reset":  {},
		"/admin/health": {},
		"/admin/config": {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(map[string]struct{}{metricsPath: {}}),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(map[string]struct{}{"/health": {}, "/version": {}, metricsPath: {}}),
		gateway.RateLimit(eng, cfg.Auth.Header, skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	_ = store.Close()
	logger.Info().Msg("bye")
}

// buildStore assembles the admission store for a config: a Redis
// primary wrapped in health-tracked failover when an address is set,
// otherwise the in-process store alone.
func buildStore(cfg *config.Config, logger zerolog.Logger, metrics *obs.Metrics) (backend.AdmissionStore, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn().Msg("no redis address configured, quota is per-process only")
		metrics.BackendHealthy.Set(1)
		return backend.NewMemory(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	primary := backend.NewRedis(client, cfg.Redis.Timeout())

	return backend.NewFailover(primary, nil, backend.FailoverOptions{
		ProbeInterval:   cfg.Failure.ProbeInterval(),
		FallbackToLocal: cfg.Failure.FallbackToLocalMemory,
		Logger:          logger,
		OnStateChange: func(s backend.State) {
			if s == backend.StateHealthy {
				metrics.BackendHealthy.Set(1)
			} else {
				metrics.BackendHealthy.Set(0)
			}
		},
	}), nil
}

func startSweeper(ctx context.Context, store backend.AdmissionStore, interval time.Duration) {
	switch s := store.(type) {
	case *backend.Memory:
		s.StartSweeper(ctx, interval)
	case *backend.Failover:
		if local := s.Local(); local != nil {
			local.StartSweeper(ctx, interval)
		}
	}
}
