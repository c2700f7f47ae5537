package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Push config
	PushEndpoint  string // FCM-compatible HTTP endpoint
	PushServerKey string
	PushTimeout   int // seconds

	// Payment webhook config
	WebhookSecret    string
	WebhookRateLimit int // requests per minute per source IP

	// Delivery worker tuning
	WorkerPollSeconds  int
	WorkerBatchSize    int
	MaxAttempts        int
	BaseBackoffSeconds int
	RetentionDays      int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "notify",
		DBPassword: "",
		DBName:     "notify",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@uzuri.ac.ke",

		PushTimeout: 10,

		WebhookRateLimit: 60,

		WorkerPollSeconds:  5,
		WorkerBatchSize:    10,
		MaxAttempts:        3,
		BaseBackoffSeconds: 60,
		RetentionDays:      90,
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

	// Database config
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

	// Redis config
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

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Push config
	if endpoint := os.Getenv("PUSH_ENDPOINT"); endpoint != "" {
		cfg.PushEndpoint = endpoint
	}

	if key := os.Getenv("PUSH_SERVER_KEY"); key != "" {
		cfg.PushServerKey = key
	}

	if timeout := os.Getenv("PUSH_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_TIMEOUT: %w", err)
		}
		cfg.PushTimeout = t
	}

	// Webhook config. The secret has no default: an empty value disables the
	// callback endpoint entirely rather than running it open.
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	if limit := os.Getenv("WEBHOOK_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_RATE_LIMIT: %w", err)
		}
		cfg.WebhookRateLimit = l
	}

	// Worker tuning
	if poll := os.Getenv("WORKER_POLL_SECONDS"); poll != "" {
		p, err := strconv.Atoi(poll)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_SECONDS: %w", err)
		}
		cfg.WorkerPollSeconds = p
	}

	if batch := os.Getenv("WORKER_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = b
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		a, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = a
	}

	if backoff := os.Getenv("BASE_BACKOFF_SECONDS"); backoff != "" {
		b, err := strconv.Atoi(backoff)
		if err != nil {
			return nil, fmt.Errorf("invalid BASE_BACKOFF_SECONDS: %w", err)
		}
		cfg.BaseBackoffSeconds = b
	}

	if days := os.Getenv("RETENTION_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil {
			return nil, fmt.Errorf("invalid RETENTION_DAYS: %w", err)
		}
		cfg.RetentionDays = d
	}

	return cfg, nil
}
