package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/activitymesh/matchengine/internal/grid"
	"github.com/activitymesh/matchengine/internal/matcher"
	"github.com/activitymesh/matchengine/internal/matcher/handler"
	"github.com/activitymesh/matchengine/internal/projection"
	"github.com/activitymesh/matchengine/internal/stream"
	"github.com/activitymesh/matchengine/pkg/config"
	"github.com/activitymesh/matchengine/pkg/health"
	"github.com/activitymesh/matchengine/pkg/kafka"
	"github.com/activitymesh/matchengine/pkg/logger"
	"github.com/activitymesh/matchengine/pkg/metrics"
	"github.com/activitymesh/matchengine/pkg/middleware"
	"github.com/activitymesh/matchengine/pkg/postgres"
	pkgredis "github.com/activitymesh/matchengine/pkg/redis"
	"github.com/activitymesh/matchengine/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting match engine", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgClient, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgClient.Close()

	redisClient, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	m := metrics.New()
	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}

	index := grid.NewIndex(grid.NewPostgresSource(pgClient))
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.Grid.LoadTimeout)
	err = resilience.Retry(loadCtx, "grid-load", resilience.RetryConfig{
		MaxAttempts:  cfg.Grid.LoadRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}, func() error {
		return index.Initialize(loadCtx)
	})
	cancelLoad()
	if err != nil {
		m.GridReloadsTotal.WithLabelValues("error").Inc()
		slog.Error("grid index initialization failed", "error", err)
		os.Exit(1)
	}
	m.GridReloadsTotal.WithLabelValues("success").Inc()
	m.GridCellsLoaded.Set(float64(index.CellCount()))
	slog.Info("grid index initialized", "cells", index.CellCount())

	reloadGrid := func(ctx context.Context) error {
		if err := index.Reload(ctx); err != nil {
			m.GridReloadsTotal.WithLabelValues("error").Inc()
			return err
		}
		m.GridReloadsTotal.WithLabelValues("success").Inc()
		m.GridCellsLoaded.Set(float64(index.CellCount()))
		return nil
	}

	breaker := resilience.NewCircuitBreaker("projection-cache", resilience.CircuitBreakerConfig{})
	reader := projection.NewReader(redisClient, breaker, m)

	engine := matcher.NewEngine(reader, index, cfg.Matcher, cfg.Grid, m)
	if err := engine.RefreshCatalog(ctx); err != nil {
		slog.Error("catalog load failed", "error", err)
		os.Exit(1)
	}

	dispatcher := matcher.NewDispatcher(engine, cfg.Matcher.Workers, cfg.Matcher.RequestBuffer)
	dispatcher.Start()
	defer dispatcher.Stop()

	resultProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatchResults)
	defer resultProducer.Close()

	processor := stream.NewProcessor(dispatcher, resultProducer)
	requestConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.MatchRequests, processor.HandleRequest)
	go func() {
		if err := requestConsumer.Start(ctx); err != nil {
			slog.Error("match request consumer error", "error", err)
		}
	}()

	refreshConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.GridRefresh,
		stream.RefreshHandler(
			stream.ReloadFunc(reloadGrid),
			stream.ReloadFunc(engine.RefreshCatalog),
		))
	go func() {
		if err := refreshConsumer.Start(ctx); err != nil {
			slog.Error("grid refresh consumer error", "error", err)
		}
	}()

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(pgClient.Ping))
	checker.Register("redis", health.PingCheck(redisClient.Ping))
	checker.Register("grid_index", func(ctx context.Context) health.ComponentHealth {
		if !index.Initialized() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "not initialized"}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d cells", index.CellCount()),
		}
	})

	refresh := func(ctx context.Context) error {
		if err := reloadGrid(ctx); err != nil {
			return err
		}
		return engine.RefreshCatalog(ctx)
	}
	h := handler.New(dispatcher, index, refresh, cfg.Grid.DefaultRadiusKm, cfg.Matcher.MaxCandidates)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/match", h.Match)
	mux.HandleFunc("POST /api/v1/match/counts", h.MatchCounts)
	mux.HandleFunc("POST /api/v1/match/exclusions", h.MatchExclusions)
	mux.HandleFunc("GET /api/v1/grid/nearby", h.GridNearby)
	mux.HandleFunc("POST /api/v1/grid/refresh", h.GridRefresh)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()

	slog.Info("match engine listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("match engine stopped")
}
