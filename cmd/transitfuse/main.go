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

	"transitfuse/internal/cache"
	"transitfuse/internal/config"
	"transitfuse/internal/departures"
	"transitfuse/internal/handler"
	"transitfuse/internal/hub"
	"transitfuse/internal/ingestor"
	"transitfuse/internal/metrics"
	"transitfuse/internal/middleware"
	"transitfuse/internal/publisher"
	"transitfuse/internal/reconcile"
	"transitfuse/internal/router"
	"transitfuse/internal/schedule"
	"transitfuse/internal/store"
	"transitfuse/pkg/feed"
	"transitfuse/pkg/gtfs"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting transitfuse server",
		"version", version,
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"operators_file", cfg.OperatorsFile,
		"gtfs_enabled", cfg.GTFSEnabled,
		"redis_enabled", cfg.RedisEnabled,
		"nats_enabled", cfg.NATSEnabled,
	)

	operatorCfgs, err := config.LoadOperators(cfg.OperatorsFile)
	if err != nil {
		logger.Error("failed to load operators", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	fetcher := feed.NewFetcher(logger, feed.FetcherOptions{
		Timeout:        cfg.PollTimeout,
		MaxElapsedTime: cfg.FetchRetryFor,
		UserAgent:      "transitfuse/" + version,
	})
	operators, rules, err := ingestor.BuildOperators(operatorCfgs, fetcher)
	if err != nil {
		logger.Error("failed to build operators", "error", err)
		os.Exit(1)
	}

	operatorTTL := make(map[string]time.Duration)
	for _, op := range operatorCfgs {
		if op.TTL > 0 {
			operatorTTL[op.ID] = op.TTL
		}
	}

	schedules := store.NewScheduleStore()
	schedules.Subscribe(func(s *schedule.Schedule) {
		stats := s.Stats()
		collector.ObserveSwap(stats.Stops, stats.Trips)
	})
	realtime := store.New(store.Options{
		TTL:         cfg.RealtimeTTL,
		StaleAfter:  cfg.RealtimeStaleAfter,
		OperatorTTL: operatorTTL,
	})

	wsHub := hub.NewHub(logger, collector.SetWSClients)
	sinks := []ingestor.Sink{wsHub}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		redisCache *cache.RedisCache
		cacheIface cache.Cache
		warmer     *cache.Warmer
	)
	if cfg.RedisEnabled {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "", logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err)
		} else {
			cacheIface = redisCache
			warmer = cache.NewWarmer(redisCache, cfg.CacheTTL, logger)
			mirror := cache.NewMirror(redisCache, cfg.RealtimeTTL, logger)
			sinks = append(sinks, mirror)
			if cfg.CacheWarmOnStart {
				if _, err := mirror.Restore(ctx, realtime); err != nil {
					logger.Warn("failed to restore mirrored entries", "error", err)
				}
			}
		}
	}

	var natsPub *publisher.NATSPublisher
	if cfg.NATSEnabled {
		natsPub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector, logger)
		if err != nil {
			logger.Warn("nats unavailable, continuing without publisher", "error", err)
		} else {
			sinks = append(sinks, natsPub)
		}
	}

	poller := ingestor.NewPoller(operators, reconcile.New(schedules), realtime, ingestor.PollerOptions{
		Timeout:       cfg.PollTimeout,
		Tick:          cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		Metrics:       collector,
	}, logger, sinks...)

	var (
		gtfsIng *ingestor.GTFSIngestor
		pg      *gtfs.PostgresLoader
	)
	if cfg.GTFSEnabled {
		var loader ingestor.ScheduleLoader
		if cfg.GTFSDatabaseURL != "" {
			pg, err = gtfs.OpenPostgres(cfg.GTFSDatabaseURL, logger)
			if err != nil {
				logger.Error("failed to open GTFS database", "error", err)
				os.Exit(1)
			}
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			err = pg.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Error("GTFS database unreachable", "error", err)
				os.Exit(1)
			}
			loader = pg
		}
		gtfsIng = ingestor.NewGTFSIngestor(ingestor.StaticSources(operatorCfgs), loader, schedules, ingestor.ScheduleOptions{
			UpdateInterval: cfg.GTFSUpdateInterval,
			Build: schedule.Options{
				StationTransferSeconds: cfg.StationTransferSeconds,
				WalkRadiusMeters:       cfg.WalkRadiusMeters,
				WalkSpeedMPS:           cfg.WalkSpeedMPS,
			},
		}, logger)
		if warmer != nil {
			gtfsIng.SetOnUpdate(warmer.Warm)
		}
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist,
		handler.ServerStats.IncRateLimitBlocked, logger)

	httpHandler := handler.NewHTTPHandler(handler.Deps{
		Schedules:    schedules,
		Realtime:     realtime,
		Router:       router.New(schedules, realtime, logger),
		Departures:   departures.New(schedules, realtime, rules, departures.Options{Lookahead: cfg.DeparturesLookahead}),
		Cache:        cacheIface,
		MaxRounds:    cfg.PlanMaxRounds,
		PlanObserver: collector.ObservePlan,
	}, logger)
	wsHandler := handler.NewWSHandler(wsHub, realtime, logger)
	statsHandler := handler.NewStatsHandler(realtime, schedules, poller.Operators, limiter, version)

	checks := []handler.ReadyCheck{{Name: "realtime", Ready: poller.IsReady}}
	if gtfsIng != nil {
		checks = append(checks, handler.ReadyCheck{Name: "schedule", Ready: gtfsIng.IsReady})
	}
	healthHandler := handler.NewHealthHandler(realtime, checks...)

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/plan", httpHandler.Plan)
	api.HandleFunc("GET /v1/stops/{id}", httpHandler.GetStop)
	api.HandleFunc("GET /v1/stops/{id}/departures", httpHandler.Departures)
	api.HandleFunc("GET /v1/trips/{id}/realtime", httpHandler.TripRealtime)
	api.HandleFunc("GET /v1/vehicles", httpHandler.ListVehicles)
	api.HandleFunc("GET /v1/alerts", httpHandler.ListAlerts)
	api.HandleFunc("GET /v1/sync", httpHandler.Sync)
	api.HandleFunc("GET /v1/stats", statsHandler.GetStats)

	mux := http.NewServeMux()
	mux.Handle("/", handler.GzipMiddleware(handler.LoggingMiddleware(logger)(api)))
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)
	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(limiter.Middleware(mux)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go limiter.Run(ctx)
	go poller.Run(ctx)
	if gtfsIng != nil {
		go gtfsIng.Start(ctx)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if natsPub != nil {
		natsPub.Close()
	}
	if redisCache != nil {
		_ = redisCache.Close()
	}
	if pg != nil {
		_ = pg.Close()
	}

	logger.Info("shutdown complete")
}
