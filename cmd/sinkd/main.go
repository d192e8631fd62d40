package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/replikv/sinkrepl/internal/api"
	"github.com/replikv/sinkrepl/internal/backoff"
	"github.com/replikv/sinkrepl/internal/config"
	"github.com/replikv/sinkrepl/internal/db"
	"github.com/replikv/sinkrepl/internal/metrics"
	"github.com/replikv/sinkrepl/internal/ratelimiter"
	"github.com/replikv/sinkrepl/internal/sink"
	"github.com/replikv/sinkrepl/internal/store"
	"github.com/replikv/sinkrepl/internal/transport"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- local store ----
	ctx := context.Background()
	var localStore store.Store
	switch cfg.LocalStore {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")
		localStore = store.NewPgStore(pool)
	default:
		localStore = store.NewMemoryStore()
	}

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clients := transport.NewFactory(cfg.FetchTimeout)
	limiter := ratelimiter.New(cfg.FetchRatePerProtocol)

	onOutcome, onDelay, onDepth, onQueueGone := m.CoordinatorHooks()
	coord := sink.New(localStore, clients, limiter, sink.Options{
		Backoff: backoff.Config{
			StartingMs:   cfg.StartingDelayMs,
			MaxSuccessMs: cfg.MaxSuccessDelayMs,
			OnErrorMs:    cfg.OnErrorDelayMs,
		},
		ReportInterval: cfg.ReportInterval,
		FetchTimeout:   cfg.FetchTimeout,
		Hooks: sink.Hooks{
			OnOutcome:   onOutcome,
			OnDelay:     onDelay,
			OnDepth:     onDepth,
			OnQueueGone: onQueueGone,
		},
	}, logger)

	// Context for the coordinator and its fetch workers; cancelled on
	// shutdown signal.
	coordCtx, cancelCoord := context.WithCancel(ctx)
	defer cancelCoord()
	go coord.Run(coordCtx)

	// ---- bootstrap queues from PEER_LIST ----
	groups, err := config.ParsePeerList(cfg.PeerList, cfg.DefaultQueue, cfg.StartingDelayMs)
	if err != nil {
		logger.Fatal("invalid PEER_LIST", zap.Error(err))
	}
	for _, name := range groups.Order {
		peers := groups.Queues[name]
		if err := coord.AddQueue(ctx, name, peers, cfg.WorkerCount); err != nil {
			logger.Fatal("failed to add queue",
				zap.String("queue", name), zap.Error(err))
		}
		logger.Info("queue registered",
			zap.String("queue", name),
			zap.Int("peers", len(peers)),
			zap.Int("workers", cfg.WorkerCount))
	}

	// ---- HTTP control server ----
	router := api.NewRouter(coord, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("control server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new control requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the coordinator and signal in-flight fetch workers.
	cancelCoord()

	// 3. Wait for the run loop and workers to drain.
	coord.Wait()

	logger.Info("sink coordinator stopped cleanly")
}
