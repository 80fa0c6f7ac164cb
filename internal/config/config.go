package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (queues, throttle, dedupe)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS (push via SNS platform endpoints, email via SES)
	AWSRegion         string
	SNSPlatformAppARN string
	SESFromEmail      string

	// WhatsApp Business Cloud API
	WhatsAppToken         string
	WhatsAppPhoneNumberID string
	WhatsAppAPIBase       string

	// Dispatch
	FallbackChain   []string // override of the default push,inapp,whatsapp,email
	BreakerEnabled  bool     // wrap provider senders in circuit breakers
	RetrySweepEvery int      // seconds between retry sweeps, 0 disables

	// Worker tuning
	WorkerConcurrency int
	WorkerBatchSize   int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "afroverse",
		DBName:    "afroverse_notify",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@afroverse.app",

		WhatsAppAPIBase: "https://graph.facebook.com/v18.0",

		RetrySweepEvery:   300,
		WorkerConcurrency: 4,
		WorkerBatchSize:   10,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if arn := os.Getenv("SNS_PLATFORM_APP_ARN"); arn != "" {
		cfg.SNSPlatformAppARN = arn
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if token := os.Getenv("WHATSAPP_TOKEN"); token != "" {
		cfg.WhatsAppToken = token
	}
	if id := os.Getenv("WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.WhatsAppPhoneNumberID = id
	}
	if base := os.Getenv("WHATSAPP_API_BASE"); base != "" {
		cfg.WhatsAppAPIBase = base
	}

	if chain := os.Getenv("FALLBACK_CHAIN"); chain != "" {
		for _, part := range strings.Split(chain, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.FallbackChain = append(cfg.FallbackChain, part)
			}
		}
	}
	if enabled := os.Getenv("BREAKER_ENABLED"); enabled != "" {
		cfg.BreakerEnabled = enabled == "true" || enabled == "1"
	}
	if every := os.Getenv("RETRY_SWEEP_EVERY"); every != "" {
		n, err := strconv.Atoi(every)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_SWEEP_EVERY: %w", err)
		}
		cfg.RetrySweepEvery = n
	}

	if n := os.Getenv("WORKER_CONCURRENCY"); n != "" {
		c, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}
	if n := os.Getenv("WORKER_BATCH_SIZE"); n != "" {
		b, err := strconv.Atoi(n)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = b
	}

	return cfg, nil
}
