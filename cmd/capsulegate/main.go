package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/spdeepak/capsulegate"
	"github.com/spdeepak/capsulegate/cache"
	"github.com/spdeepak/capsulegate/coalesce"
	"github.com/spdeepak/capsulegate/config"
	"github.com/spdeepak/capsulegate/gateway"
	"github.com/spdeepak/capsulegate/quota"
	"github.com/spdeepak/capsulegate/quota/sqlitestore"
	"github.com/spdeepak/capsulegate/stats"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("capsulegate stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", slog.String("path", r.URL.Path), slog.Any("error", err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := cache.NewInMemoryLRU(cfg.CacheCapacity, nil)
	defer func() { _ = store.Close() }()
	store.StartJanitor(ctx, cfg.CacheSweepInterval)

	quotaCfg := quota.Config{
		Limits: map[quota.Plan]int{quota.PlanFree: cfg.QuotaFreeLimit},
		Window: cfg.QuotaWindow,
		Logger: logger,
	}
	if cfg.UsageDBPath != "" {
		usageDB, err := sqlitestore.Open(cfg.UsageDBPath)
		if err != nil {
			return err
		}
		defer func() { _ = usageDB.Close() }()
		usageDB.StartRetention(ctx, sqlitestore.RetentionOptions{
			Window: cfg.QuotaWindow,
			Every:  cfg.UsagePruneInterval,
			Logger: logger,
		})
		quotaCfg.Persister = usageDB
	}
	tracker, err := quota.NewTracker(quotaCfg)
	if err != nil {
		return err
	}

	var recorder stats.Recorder = stats.NewMemoryRecorder()
	if cfg.StatsRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.StatsRedisAddr,
			Password: cfg.StatsRedisPassword,
			DB:       cfg.StatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			return err
		}
		recorder = stats.NewRedisRecorder(rdb, stats.WithRedisPrefix(cfg.StatsPrefix))
	}

	// one token bucket for the whole upstream, shared by every namespace
	var limiter *rate.Limiter
	if cfg.UpstreamRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamBurst)
	}

	var planFunc capsulegate.PlanFunc = capsulegate.FreePlanFunc
	if cfg.TrustIdentityHeaders {
		planFunc = capsulegate.HeaderPlanFunc(cfg.PlanHeader)
	}
	mwCfg := &capsulegate.Config{
		IdentityFunc: capsulegate.DefaultIdentityFunc(capsulegate.IdentityOptions{
			TrustHeader:        cfg.TrustIdentityHeaders,
			Header:             cfg.IdentityHeader,
			TrustXForwardedFor: cfg.TrustXForwardedFor,
			IssueGuestCookie:   true,
		}),
		PlanFunc: planFunc,
		Logger:   logger,
	}

	coalescer := coalesce.New()
	mux := http.NewServeMux()
	for _, ns := range cfg.Namespaces() {
		gw, err := gateway.New(store, tracker, gateway.Options{
			Namespace:       ns,
			TTL:             cfg.TTL(ns),
			UpstreamLimiter: limiter,
			Coalescer:       coalescer,
			Recorder:        recorder,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		h := capsulegate.NewGatewayMiddleware(gw, mwCfg)(proxy)
		mux.Handle("/api/"+ns, h)
		mux.Handle("/api/"+ns+"/", h)
	}
	mux.Handle("/", proxy)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// aggregations can be slow; followers wait for the leader
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("capsulegate listening",
		slog.String("addr", cfg.ListenAddr),
		slog.String("upstream", target.String()),
		slog.Any("namespaces", cfg.Namespaces()),
		slog.Int("freeLimit", cfg.QuotaFreeLimit),
		slog.Duration("window", cfg.QuotaWindow),
		slog.Bool("persistUsage", cfg.UsageDBPath != ""),
		slog.Bool("trustIdentityHeaders", cfg.TrustIdentityHeaders),
		slog.Bool("redisStats", cfg.StatsRedisAddr != ""))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if m, ok := recorder.(*stats.MemoryRecorder); ok {
		total := m.Total()
		logger.Info("gateway totals",
			slog.Int64("hits", total.Hits),
			slog.Int64("misses", total.Misses),
			slog.Int64("shared", total.Shared),
			slog.Int64("denied", total.Denied),
			slog.Int64("errors", total.Errors))
	}
	return nil
}
