// Package main runs the background worker that finalizes abandoned attempts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/trainhub/portal/config"
	"github.com/trainhub/portal/internal/assessments"
	"github.com/trainhub/portal/internal/attempts"
	"github.com/trainhub/portal/internal/realtime"
	"github.com/trainhub/portal/internal/worker"
	"github.com/trainhub/portal/pkg/database"
	"github.com/trainhub/portal/pkg/queue"
	"github.com/trainhub/portal/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	publisher := realtime.NewPublisher(realtime.NewRedisPubSub(rdb.Client, logger), logger)
	svc := attempts.NewService(
		attempts.NewRepository(pool),
		assessments.NewRepository(pool),
		attempts.NewRedisResultCache(rdb.Client, cfg.Exam.ResultCacheTTL),
		publisher,
		nil,
		logger,
	)
	svc.SetLateGrace(cfg.Exam.LateSubmitGrace)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	sweeper := worker.NewSweeper(svc, jobQueue, cfg.Worker.SweepInterval, cfg.Worker.OverdueGrace, cfg.Worker.BatchSize, logger)
	processor := worker.NewProcessor(svc, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(workerCtx)
	go processor.Run(workerCtx)
	logger.Info("worker started",
		zap.Duration("sweep_interval", cfg.Worker.SweepInterval),
		zap.Duration("overdue_grace", cfg.Worker.OverdueGrace),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
