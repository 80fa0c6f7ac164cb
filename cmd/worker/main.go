package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/channel"
	"github.com/afroverse/notify/internal/config"
	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
	"github.com/afroverse/notify/internal/observ"
	"github.com/afroverse/notify/internal/queue"
	"github.com/afroverse/notify/internal/redis"
	"github.com/afroverse/notify/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notify worker", zap.String("env", cfg.Env))

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	campaigns := campaign.NewStore(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	throttle := redis.NewThrottle(redisClient, logger)
	dedupe := redis.NewDedupe(redisClient)

	dispatcher, err := buildDispatcher(ctx, cfg, repo, logger)
	if err != nil {
		return err
	}

	queues := service.Queues{
		Process: queue.New(queue.QueueProcess, queue.SinglePolicy, redisClient, logger),
		Bulk:    queue.New(queue.QueueBulk, queue.BulkPolicy, redisClient, logger),
		Retry:   queue.New(queue.QueueRetry, queue.SweepPolicy, redisClient, logger),
	}

	svc := service.New(repo, campaigns, throttle, dedupe, dispatcher, queues, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wcfg := queue.Config{
		Concurrency: cfg.WorkerConcurrency,
		BatchSize:   cfg.WorkerBatchSize,
	}
	go queue.NewWorker(queues.Process, svc.HandleSingleJob, wcfg, logger).Start(workerCtx)
	go queue.NewWorker(queues.Bulk, svc.HandleBulkJob, wcfg, logger).Start(workerCtx)
	go queue.NewWorker(queues.Retry, svc.HandleRetrySweep, queue.Config{
		Concurrency: 1,
		BatchSize:   1,
	}, logger).Start(workerCtx)

	if cfg.RetrySweepEvery > 0 {
		go runSweepScheduler(workerCtx, svc, time.Duration(cfg.RetrySweepEvery)*time.Second, logger)
	}

	logger.Info("queue workers started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("batch_size", cfg.WorkerBatchSize),
		zap.Int("retry_sweep_every_s", cfg.RetrySweepEvery),
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()

	// Let in-flight jobs finish their current attempt.
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
	return nil
}

// buildDispatcher wires one sender per channel into the registry. Breaker
// wrapping is opt-in; the default recovery path is per-job retries.
func buildDispatcher(ctx context.Context, cfg *config.Config, repo *db.Repository, logger *zap.Logger) (*dispatch.Dispatcher, error) {
	dispatcher := dispatch.New(logger)

	wrap := func(name string, s dispatch.Sender) dispatch.Sender {
		if !cfg.BreakerEnabled {
			return s
		}
		return channel.NewBreakerSender(s, channel.BreakerConfig{Name: name}, logger)
	}

	if cfg.SNSPlatformAppARN != "" {
		push, err := channel.NewPushSender(ctx, channel.PushConfig{
			Region:         cfg.AWSRegion,
			PlatformAppARN: cfg.SNSPlatformAppARN,
		}, repo, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create push sender: %w", err)
		}
		dispatcher.Register(dispatch.ChannelPush, wrap("push", push))
	} else {
		logger.Warn("SNS_PLATFORM_APP_ARN not set, push delivery disabled")
	}

	if cfg.WhatsAppToken != "" && cfg.WhatsAppPhoneNumberID != "" {
		wa := channel.NewWhatsAppSender(channel.WhatsAppConfig{
			BaseURL:       cfg.WhatsAppAPIBase,
			PhoneNumberID: cfg.WhatsAppPhoneNumberID,
			Token:         cfg.WhatsAppToken,
		}, logger)
		dispatcher.Register(dispatch.ChannelWhatsApp, wrap("whatsapp", wa))
	} else {
		logger.Warn("WhatsApp credentials not set, whatsapp delivery disabled")
	}

	dispatcher.Register(dispatch.ChannelInApp, channel.NewInAppSender(repo, logger))

	email, err := channel.NewEmailSender(ctx, channel.EmailConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create email sender: %w", err)
	}
	dispatcher.Register(dispatch.ChannelEmail, wrap("email", email))

	if len(cfg.FallbackChain) > 0 {
		chain := make([]dispatch.Channel, 0, len(cfg.FallbackChain))
		for _, name := range cfg.FallbackChain {
			ch, err := dispatch.ParseChannel(name)
			if err != nil {
				return nil, fmt.Errorf("invalid FALLBACK_CHAIN entry: %w", err)
			}
			chain = append(chain, ch)
		}
		dispatcher.SetFallbackChain(chain)
	}

	return dispatcher, nil
}

// runSweepScheduler enqueues the retry sweep on a fixed cadence. The sweep
// job itself carries a fixed 30s delay and a single attempt.
func runSweepScheduler(ctx context.Context, svc *service.Service, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.ScheduleRetrySweep(ctx, 3); err != nil {
				logger.Error("failed to schedule retry sweep", zap.Error(err))
			}
		}
	}
}
