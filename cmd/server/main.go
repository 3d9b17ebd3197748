package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/inbox-autopilot/config"
	_ "github.com/d60-Lab/inbox-autopilot/docs"
	"github.com/d60-Lab/inbox-autopilot/internal/api"
	"github.com/d60-Lab/inbox-autopilot/internal/api/handler"
	"github.com/d60-Lab/inbox-autopilot/internal/fanvue"
	"github.com/d60-Lab/inbox-autopilot/internal/llm"
	"github.com/d60-Lab/inbox-autopilot/internal/repository"
	"github.com/d60-Lab/inbox-autopilot/internal/service"
	"github.com/d60-Lab/inbox-autopilot/internal/webhook"
	"github.com/d60-Lab/inbox-autopilot/pkg/database"
	"github.com/d60-Lab/inbox-autopilot/pkg/logger"
	"github.com/d60-Lab/inbox-autopilot/pkg/telemetry"
)

// @title Inbox Autopilot API
// @version 1.0
// @description Webhook ingest, job queue and worker API for creator inbox automation
// @BasePath /api/v1
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Mode); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("init telemetry", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(ctx) }()

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Fatal("init database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, token cache disabled", zap.Error(err))
			rdb = nil
		}
	}

	fanRepo := repository.NewFanRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	jobRepo := repository.NewJobRepository(db)
	creatorRepo := repository.NewCreatorRepository(db)

	delayModel := service.NewDelayModel(cfg.Delay)
	scheduler := service.NewScheduler(jobRepo, delayModel)
	ingest := service.NewIngest(fanRepo, msgRepo, txRepo, scheduler)
	tokens := service.NewTokenManager(creatorRepo, rdb, cfg.Fanvue.TokenURL, cfg.Worker.TokenExpiryBuffer)

	fanvueClient := fanvue.NewClient(cfg.Fanvue)
	llmClient := llm.NewClient(cfg.LLM)

	worker := service.NewWorker(jobRepo, fanRepo, msgRepo, creatorRepo,
		fanvueClient, llmClient, tokens, delayModel, cfg.Worker)

	verifier := webhook.NewVerifier(cfg.Webhook.SignatureTolerance)

	h := handler.New(cfg, ingest, scheduler, worker, tokens,
		creatorRepo, jobRepo, fanvueClient, llmClient, verifier)

	r := api.NewRouter(cfg, h)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("server starting", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
