package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/export"
	"github.com/docpipe/docpipe/internal/pipeline"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/session"
	"github.com/docpipe/docpipe/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backing stores. Connectivity failures here are fatal; degrading
	// silently would strand every admitted job.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queue.Name, cfg.Queue.JobTTL, logger)
	if err := q.Ping(ctx); err != nil {
		logger.Error("job store unreachable", "addr", cfg.Queue.RedisAddr, "err", err)
		os.Exit(1)
	}
	logger.Info("job store ready", "addr", cfg.Queue.RedisAddr, "queue", cfg.Queue.Name)

	db, err := session.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("session store unreachable", "err", err)
		os.Exit(1)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	store := session.NewStore(db, logger)

	exportMgr, err := export.NewManager(cfg.Export, logger)
	if err != nil {
		logger.Error("export manager init failed", "err", err)
		os.Exit(1)
	}

	coord := pipeline.NewCoordinator(store, newExtractor(logger), logger)
	pool := worker.NewPool(cfg.Worker.Count, q, coord.Processor(), cfg.Worker.DequeueTimeout, logger)
	pool.Start(ctx)

	go exportMgr.RunCleanupLoop(ctx)
	go retentionLoop(ctx, cfg, q, store, logger)

	logger.Info("pipelined running", "workers", cfg.Worker.Count)
	<-ctx.Done()

	logger.Info("shutting down")
	if !pool.Stop(30 * time.Second) {
		logger.Warn("some workers were still mid-job at shutdown")
	}
	logger.Info("stopped")
}

// retentionLoop sweeps aged job bookkeeping and expired sessions on the
// configured interval. Redis TTLs already bound job records; the explicit
// sweep keeps status counts honest between expiries.
func retentionLoop(ctx context.Context, cfg *common.Config, q *queue.Queue, store session.Store, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Export.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.CleanupOlderThan(ctx, cfg.Queue.JobTTL); err != nil {
				logger.Error("job cleanup failed", "err", err)
			}
			if _, err := store.CleanupOlderThan(ctx, cfg.Database.RetentionDays); err != nil {
				logger.Error("session cleanup failed", "err", err)
			}
		}
	}
}
