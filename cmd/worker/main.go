package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabrex-mes/fabrex/internal/app"
	jobmetrics "github.com/fabrex-mes/fabrex/internal/jobs"
	"github.com/fabrex-mes/fabrex/internal/notify"
	"github.com/fabrex-mes/fabrex/internal/planning"
	"github.com/fabrex-mes/fabrex/internal/platform/cache"
	"github.com/fabrex-mes/fabrex/internal/shared"
	"github.com/fabrex-mes/fabrex/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	broadcaster := notify.NewBroadcaster(redisClient, cfg.EventChannel, logger)
	metrics := jobmetrics.NewMetrics(nil)

	planningRepo := planning.NewRepository(pool)
	planningService := planning.NewService(planningRepo, auditLogger, nil, planning.ServiceConfig{
		HorizonWeeks: cfg.ProjectionHorizonWeeks,
	})

	mrpRunner := jobs.NewMRPRunner(planningService, logger, metrics)
	expiryScanner := jobs.NewExpiryScanner(pool, broadcaster, logger, metrics)

	expiryTask, err := jobs.NewLotExpiryScanTask(time.Now().UTC(), 14)
	if err != nil {
		logger.Error("build expiry scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMRPRun, Handler: mrpRunner.Handle},
			{Type: jobs.TaskLotExpiryScan, Handler: expiryScanner.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
