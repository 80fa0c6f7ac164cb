package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/api"
	"github.com/afroverse/notify/internal/campaign"
	"github.com/afroverse/notify/internal/config"
	"github.com/afroverse/notify/internal/db"
	"github.com/afroverse/notify/internal/dispatch"
	"github.com/afroverse/notify/internal/metrics"
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

	logger.Info("starting notify gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

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

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)
	campaigns := campaign.NewStore(database, logger)

	// Redis backs the queues, the campaign throttle, delivery dedupe and
	// the API rate limiter. Unlike the HTTP surface it is not optional.
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

	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  100,
		Window: 1 * time.Minute,
	})
	throttle := redis.NewThrottle(redisClient, logger)
	dedupe := redis.NewDedupe(redisClient)

	queues := service.Queues{
		Process: queue.New(queue.QueueProcess, queue.SinglePolicy, redisClient, logger),
		Bulk:    queue.New(queue.QueueBulk, queue.BulkPolicy, redisClient, logger),
		Retry:   queue.New(queue.QueueRetry, queue.SweepPolicy, redisClient, logger),
	}

	// The gateway only enqueues; delivery happens in the worker binary. The
	// dispatcher here serves the stats endpoint and fallback chain config.
	dispatcher := dispatch.New(logger)
	if len(cfg.FallbackChain) > 0 {
		chain := make([]dispatch.Channel, 0, len(cfg.FallbackChain))
		for _, name := range cfg.FallbackChain {
			ch, err := dispatch.ParseChannel(name)
			if err != nil {
				return fmt.Errorf("invalid FALLBACK_CHAIN entry: %w", err)
			}
			chain = append(chain, ch)
		}
		dispatcher.SetFallbackChain(chain)
	}

	svc := service.New(repo, campaigns, throttle, dedupe, dispatcher, queues, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, repo, campaigns, svc, dispatcher)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

		r.Post("/notifications", handler.CreateNotification)
		r.Post("/notifications/bulk", handler.CreateBulk)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/read", handler.MarkNotificationRead)

		r.Get("/users/{id}/notifications", handler.ListUserNotifications)
		r.Put("/users/{id}/preferences", handler.SetPreference)

		r.Post("/devices", handler.RegisterDevice)
		r.Delete("/devices/{token}", handler.UnregisterDevice)

		r.Get("/campaigns", handler.ListCampaigns)
		r.Get("/campaigns/{key}", handler.GetCampaign)
		r.Get("/campaigns/{key}/throttle", handler.GetCampaignThrottle)

		r.Get("/dispatch/stats", handler.DispatchStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
