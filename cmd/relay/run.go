package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	gateway "github.com/modelrelay/relay/internal"

	"github.com/modelrelay/relay/internal/activity"
	"github.com/modelrelay/relay/internal/app"
	"github.com/modelrelay/relay/internal/auth"
	"github.com/modelrelay/relay/internal/cache"
	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/circuitbreaker"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/failover"
	"github.com/modelrelay/relay/internal/ledger"
	"github.com/modelrelay/relay/internal/pricing"
	"github.com/modelrelay/relay/internal/provider"
	"github.com/modelrelay/relay/internal/ratelimit"
	"github.com/modelrelay/relay/internal/routing"
	"github.com/modelrelay/relay/internal/server"
	"github.com/modelrelay/relay/internal/storage/sqlite"
	"github.com/modelrelay/relay/internal/telemetry"
	"github.com/modelrelay/relay/internal/tokencount"
	"github.com/modelrelay/relay/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting relay", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Telemetry
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	// Upstream providers
	resolver := &dnscache.Resolver{}
	reg, err := buildProviders(ctx, cfg, resolver)
	if err != nil {
		return err
	}
	if len(reg.List()) == 0 {
		slog.Warn("no upstream providers configured; only admin and catalog endpoints will work")
	}

	// Catalog, routing, pricing. The enricher closes over pricer, which is
	// constructed right after: the catalog only calls it during refreshes,
	// well past this point.
	var pricer *pricing.Service
	catalogCache := catalog.New(
		func(ctx context.Context, gw string) ([]gateway.Model, error) {
			p, err := reg.Get(gw)
			if err != nil {
				return nil, err
			}
			return p.ListModels(ctx)
		},
		catalog.WithTTL(cfg.Catalog.TTL),
		catalog.WithEnricher(func(modelID string) (gateway.ModelPricing, bool) {
			return pricer.FromTable(modelID)
		}),
	)
	pricer = pricing.New(catalogCache, cfg.Pricing.Table)
	router := routing.New(catalogCache)

	// Rate limiting
	var limiter app.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rl := ratelimit.New(rdb, cfg.RateLimits.Tiers, cfg.RateLimits.Users)
		if metrics != nil {
			rl.WithMetrics(metrics)
		}
		limiter = rl
	} else {
		slog.Warn("redis not configured, rate limiting disabled")
		limiter = noopLimiter{}
	}

	// Credits and failover
	credits := ledger.New(store)

	var breakers *circuitbreaker.Registry
	if cfg.Failover.BreakerOn() {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	order := cfg.Failover.Order
	if len(order) == 0 {
		order = provider.DefaultFallbackOrder
	}
	invoker := failover.New(reg, catalogCache, breakers, order)
	if metrics != nil {
		invoker.WithMetrics(metrics)
	}

	// Activity logging
	activityLog := activity.NewLogger(store)
	if metrics != nil {
		activityLog.WithMetrics(metrics)
	}

	// Application services
	chat := app.NewChatService(router, limiter, credits, pricer, invoker, activityLog, tokencount.NewCounter())
	if metrics != nil {
		chat.WithMetrics(metrics)
	}
	if cfg.Cache.Enabled {
		rc, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
		if err != nil {
			return err
		}
		chat.WithResponseCache(rc)
	}

	catalogSvc := app.NewCatalogService(catalogCache, reg)
	if metrics != nil {
		catalogSvc.WithMetrics(metrics)
	}

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	users := app.NewUserManager(store, credits, apiKeyAuth.Invalidate)

	handler := server.New(server.Deps{
		Auth:           apiKeyAuth,
		Chat:           chat,
		Catalog:        catalogSvc,
		Users:          users,
		Activity:       store,
		Breakers:       breakers,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		AdminKey:       cfg.Admin.APIKey,
		Ready:          store.Ping,
	})

	// Background workers
	workers := []worker.Worker{
		activityLog,
		worker.NewCatalogRefreshWorker(catalogSvc, cfg.Catalog.TTL/2),
	}
	if breakers != nil {
		workers = append(workers, worker.NewBreakerEvictWorker(breakers))
	}
	runner := worker.NewRunner(workers...)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("relay ready", "addr", cfg.Server.Addr, "providers", reg.List())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		<-workerErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after in-flight requests finish so the activity logger
	// drains everything those requests produced.
	stopWorkers()
	if err := <-workerErr; err != nil {
		slog.Warn("worker shutdown error", "error", err)
	}

	slog.Info("relay stopped")
	return nil
}

// noopLimiter allows everything; used when Redis is not configured.
type noopLimiter struct{}

func (noopLimiter) Check(context.Context, *gateway.User, string, int64) ratelimit.Result {
	return ratelimit.Result{Allowed: true}
}

func (noopLimiter) Record(context.Context, *gateway.User, string, int64) {}
