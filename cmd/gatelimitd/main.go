// Command gatelimitd runs the rate limit service: the HTTP check and admin
// plane, the Redis-backed limiter, the Postgres configuration store, the
// verdict event pipeline, and the alert loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/alerts"
	"github.com/gatelimit/gatelimit/pkg/analytics"
	"github.com/gatelimit/gatelimit/pkg/api"
	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/config"
	"github.com/gatelimit/gatelimit/pkg/counter"
	"github.com/gatelimit/gatelimit/pkg/events"
	"github.com/gatelimit/gatelimit/pkg/limiter"
	"github.com/gatelimit/gatelimit/pkg/notify"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/resilience"
	"github.com/gatelimit/gatelimit/pkg/scheduler"
	"github.com/gatelimit/gatelimit/pkg/service"
	"github.com/gatelimit/gatelimit/pkg/storage"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

const bootTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("gatelimitd failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	clk := clock.New()
	metrics := telemetry.NewCollector()

	bootCtx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	// Counter store.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(bootCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", zap.String("addr", cfg.Redis.Addr))

	store := counter.NewRedisStore(rdb, cfg.Redis.OpTimeout)
	exec := resilience.NewExecutor(store, resilience.BreakerConfig{
		Name:              "redis",
		Interval:          cfg.Breaker.Interval,
		FailureRate:       cfg.Breaker.FailureRate,
		MinCalls:          cfg.Breaker.MinCalls,
		OpenDuration:      cfg.Breaker.OpenDuration,
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	}, resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, log, metrics)

	engine, err := limiter.NewEngine(exec, clk, log, metrics)
	if err != nil {
		return err
	}

	// Configuration and event store.
	db, err := storage.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(bootCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := storage.InitSchema(bootCtx, db); err != nil {
		return err
	}
	log.Info("postgres connected")

	policies := storage.NewPolicyRepo(db)
	tenants := storage.NewTenantRepo(db)
	apiKeys := storage.NewApiKeyRepo(db)
	ipRules := storage.NewIpRuleRepo(db)
	userPolicies := storage.NewUserPolicyRepo(db)
	policyRules := storage.NewPolicyRuleRepo(db)
	alertRules := storage.NewAlertRuleRepo(db)
	eventStore := storage.NewEventStore(db)

	resolver := policy.NewResolver(policy.Repos{
		Policies:     policies,
		ApiKeys:      apiKeys,
		IpRules:      ipRules,
		UserBindings: userPolicies,
		PolicyRules:  policyRules,
	}, policy.CacheConfig{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, clk, log, metrics)
	defer resolver.Close()

	sink := events.NewSink(eventStore, events.Config{
		BufferSize:    cfg.Events.BufferSize,
		Workers:       cfg.Events.Workers,
		BatchSize:     cfg.Events.BatchSize,
		FlushInterval: cfg.Events.FlushInterval,
		DropOldest:    cfg.Events.DropOldest,
		MaxRetries:    cfg.Events.MaxRetries,
	}, log, metrics)
	sink.Start()

	svc := service.New(resolver, engine, sink, clk, log)

	// Alert loop.
	stats := analytics.New(eventStore)
	notifiers := []notify.Notifier{
		notify.NewSlack(cfg.Notifiers.SlackToken, cfg.Notifiers.SlackChannel),
		notify.NewWebhook(cfg.Notifiers.WebhookURL, cfg.Notifiers.WebhookTimeout),
		notify.NewLog(log, cfg.Notifiers.LogEnabled),
	}
	evaluator := alerts.NewEvaluator(alertRules, stats, policies, notifiers, clk, log, metrics)

	sched := scheduler.New(log)
	sched.Add(scheduler.Job{
		Name:         "alert-evaluation",
		Interval:     cfg.Alerts.Interval,
		InitialDelay: cfg.Alerts.InitialDelay,
		Timeout:      cfg.Alerts.TickTimeout,
		Run:          evaluator.Tick,
	})
	if cfg.Cache.StatsInterval > 0 {
		sched.Add(scheduler.Job{
			Name:     "cache-stats",
			Interval: cfg.Cache.StatsInterval,
			Run: func(context.Context) error {
				logCacheStats(log, resolver)
				return nil
			},
		})
	}
	sched.Start()

	srv := api.New(api.Deps{
		Checker:      svc,
		Alerts:       evaluator,
		Caches:       resolver,
		Policies:     policies,
		Tenants:      tenants,
		ApiKeys:      apiKeys,
		IpRules:      ipRules,
		UserPolicies: userPolicies,
		PolicyRules:  policyRules,
		AlertRules:   alertRules,
		Health: map[string]api.HealthCheck{
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"postgres": db.PingContext,
		},
		Metrics: promhttp.Handler(),
		Clock:   clk,
		Log:     log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	// Stop intake first, then the background loops, then drain buffered
	// events so verdicts already served still reach the store.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	sched.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Events.DrainTimeout)
	defer cancelDrain()
	if err := sink.Close(drainCtx); err != nil {
		log.Warn("event sink drain incomplete", zap.Error(err))
	}

	log.Info("stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func logCacheStats(log *zap.Logger, r *policy.Resolver) {
	for kind, st := range r.CacheStats() {
		log.Info("cache stats",
			zap.String("cache", kind),
			zap.Int("entries", st.Entries),
			zap.Int64("hits", st.Hits),
			zap.Int64("misses", st.Misses),
			zap.Int64("evictions", st.Evictions))
	}
}
