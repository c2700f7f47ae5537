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

	"github.com/uzurihq/notify/internal/api"
	"github.com/uzurihq/notify/internal/circuitbreaker"
	"github.com/uzurihq/notify/internal/config"
	"github.com/uzurihq/notify/internal/db"
	"github.com/uzurihq/notify/internal/dispatch"
	"github.com/uzurihq/notify/internal/events"
	"github.com/uzurihq/notify/internal/metrics"
	"github.com/uzurihq/notify/internal/observ"
	"github.com/uzurihq/notify/internal/payments"
	"github.com/uzurihq/notify/internal/redis"
	"github.com/uzurihq/notify/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notify gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
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

	// Initialize Redis for preference caching and webhook rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, preference cache and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var prefSource dispatch.PreferenceSource = repo
	var prefCache *redis.PreferenceCache
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		prefCache = redis.NewPreferenceCache(redisClient, repo, logger)
		prefSource = prefCache
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.WebhookRateLimit,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Channel senders. In development everything goes through the log sender;
	// in production each external channel gets a circuit breaker around the
	// real provider client.
	var sender worker.Sender
	if cfg.Env == "development" {
		sender = worker.NewLogSender(logger)
		logger.Info("development mode, all channels routed to log sender")
	} else {
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}

		snsSender, err := worker.NewSNSSender(ctx, worker.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS sms sender: %w", err)
		}

		pushSender := worker.NewPushSender(logger, worker.PushConfig{
			Endpoint:  cfg.PushEndpoint,
			ServerKey: cfg.PushServerKey,
			Timeout:   time.Duration(cfg.PushTimeout) * time.Second,
		})

		sender = worker.NewMultiSender(logger,
			worker.NewInAppSender(logger),
			circuitbreaker.Protect(sesSender, circuitbreaker.DefaultConfig("ses"), logger),
			circuitbreaker.Protect(snsSender, circuitbreaker.DefaultConfig("sns"), logger),
			circuitbreaker.Protect(pushSender, circuitbreaker.DefaultConfig("push"), logger),
		)
	}

	// Delivery worker
	w := worker.New(repo, sender, worker.Config{
		PollInterval: time.Duration(cfg.WorkerPollSeconds) * time.Second,
		BatchSize:    cfg.WorkerBatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		BaseBackoff:  time.Duration(cfg.BaseBackoffSeconds) * time.Second,
		Retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)
	logger.Info("delivery worker started")

	// Dispatch planning reacts to notification-created events.
	dispatcher := dispatch.NewService(repo, prefSource, logger)
	bus := events.NewBus(logger)
	bus.Subscribe(func(ctx context.Context, ev events.NotificationCreated) {
		if err := dispatcher.Plan(ctx, ev.Notification); err != nil {
			logger.Error("dispatch planning failed",
				zap.Error(err),
				zap.String("notification_id", ev.Notification.ID.String()),
			)
		}
	})
	go bus.Start(workerCtx)

	// Payment callback ingestion
	ingestor := payments.NewIngestor(repo, bus, cfg.WebhookSecret, logger,
		payments.MpesaAdapter{},
		payments.GenericAdapter{},
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
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

	var invalidator api.PreferenceInvalidator
	if prefCache != nil {
		invalidator = prefCache
	}
	handler := api.NewHandler(logger, repo, bus, dispatcher, ingestor, invalidator)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/unread-count", handler.UnreadCount)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/read", handler.MarkRead)
		r.Post("/notifications/{id}/ack", handler.Acknowledge)

		r.Get("/preferences", handler.GetPreferences)
		r.Put("/preferences", handler.UpdatePreferences)

		r.Post("/payments", handler.CreatePayment)
		r.Get("/payments/{reference}", handler.GetPayment)

		// Provider callbacks are anonymous; rate limit them by source IP.
		r.With(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc)).
			Post("/callbacks/{provider}", handler.Webhook)

		// Operator routes
		r.Route("/ops", func(r chi.Router) {
			r.Get("/failed-deliveries", handler.ListFailedDeliveries)
			r.Get("/delivery-stats", handler.DeliveryStats)
			r.Post("/notifications/{id}/resend", handler.ResendNotification)
			r.Post("/notifications/{id}/cancel", handler.CancelNotification)
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
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
