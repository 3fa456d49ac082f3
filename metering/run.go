// Copyright 2025 Inventum
// SPDX-License-Identifier: BUSL-1.1

// Package metering wires the usage metering service: the ledger APIs the
// report workflow calls, the billing webhook receiver, rate limiting, and
// the snapshot exporter. All components are constructed here and passed
// their dependencies explicitly.
package metering

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"inventum/platform/metering/export"
	"inventum/platform/metering/ledger"
	"inventum/platform/metering/plan"
	"inventum/platform/metering/ratelimit"
	"inventum/platform/metering/webhook"
	"inventum/platform/shared/logger"
)

// Config holds service settings read from the environment
type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	PlanConfigPath string
	JWTSecret      string
	WebhookSecret  string

	ChatHourlyLimit int64
	ChatDailyLimit  int64

	ExportBucket   string
	ExportRegion   string
	ExportEndpoint string
}

// LoadConfig reads configuration from environment variables
func LoadConfig() Config {
	return Config{
		Port:            getEnv("PORT", "8084"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		PlanConfigPath:  os.Getenv("PLAN_CONFIG_PATH"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		WebhookSecret:   os.Getenv("BILLING_WEBHOOK_SECRET"),
		ChatHourlyLimit: getEnvInt64("CHAT_RATE_LIMIT_HOURLY", 100),
		ChatDailyLimit:  getEnvInt64("CHAT_RATE_LIMIT_DAILY", 500),
		ExportBucket:    os.Getenv("EXPORT_BUCKET"),
		ExportRegion:    getEnv("EXPORT_REGION", "us-east-1"),
		ExportEndpoint:  os.Getenv("EXPORT_ENDPOINT"),
	}
}

// Validate reports the first missing required setting. An empty JWT secret
// would verify tokens against an empty key, which anyone can forge, so it
// is as fatal as a missing database.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("BILLING_WEBHOOK_SECRET is required")
	}
	return nil
}

// Run starts the metering service and blocks until shutdown
func Run() {
	cfg := LoadConfig()
	lg := logger.New("meterd")

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	plans, err := loadPlans(cfg.PlanConfigPath)
	if err != nil {
		log.Fatalf("Failed to load plan config: %v", err)
	}

	repo := ledger.NewPostgresRepository(db)
	ledgerService := ledger.NewService(repo, lg)
	ledgerHandler := ledger.NewHandler(ledgerService)

	eventStore := webhook.NewPostgresEventStore(db)
	guard := webhook.NewGuard(eventStore, repo, plans, lg)
	webhookHandler := webhook.NewHandler(guard, cfg.WebhookSecret)

	chatLimiter := buildChatLimiter(cfg, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go ledgerService.RunSweeper(ctx, 5*time.Minute)

	var archiver *export.Archiver
	if cfg.ExportBucket != "" {
		archiver, err = export.NewArchiver(ctx, export.Config{
			Bucket:   cfg.ExportBucket,
			Region:   cfg.ExportRegion,
			Endpoint: cfg.ExportEndpoint,
		}, ledgerService, lg)
		if err != nil {
			log.Fatalf("Failed to build snapshot archiver: %v", err)
		}
		go archiver.RunDaily(ctx, repo, 24*time.Hour)
	}

	r := mux.NewRouter()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health and metrics
	r.HandleFunc("/health", healthHandler(ledgerService)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	// Billing provider deliveries authenticate by HMAC signature, not JWT
	webhookHandler.RegisterRoutes(r)

	// Metering APIs require a service token; webhook, health, and metrics
	// endpoints are exempt
	r.Use(AuthMiddleware(cfg.JWTSecret, lg))
	r.Use(RateLimitMiddleware(chatLimiter, lg))
	ledgerHandler.RegisterRoutes(r)
	if archiver != nil {
		export.NewHandler(archiver).RegisterRoutes(r)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		lg.Info("", "", fmt.Sprintf("Metering service listening on port %s", cfg.Port), nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	lg.Info("", "", "Shutting down", nil)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.ErrorWithErr("", "", "Graceful shutdown failed", err, nil)
	}
}

func loadPlans(path string) (*plan.Registry, error) {
	if path == "" {
		return plan.Default(), nil
	}
	return plan.LoadFile(path)
}

// buildChatLimiter prefers Redis so limits hold across instances, and
// falls back to in-process buckets when Redis is not configured.
func buildChatLimiter(cfg Config, lg *logger.Logger) ratelimit.Limiter {
	hourly := ratelimit.Window{Name: "chat-hourly", Limit: cfg.ChatHourlyLimit, Span: time.Hour}
	daily := ratelimit.Window{Name: "chat-daily", Limit: cfg.ChatDailyLimit, Span: 24 * time.Hour}

	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			// Rate limiting is protection, not billing. Degrade to local
			// limits rather than refusing to start.
			lg.ErrorWithErr("", "", "Redis unavailable, using in-process rate limits", err, nil)
		} else {
			return ratelimit.Chain{
				ratelimit.NewRedisLimiter(client, hourly, lg),
				ratelimit.NewRedisLimiter(client, daily, lg),
			}
		}
	}
	return ratelimit.Chain{
		ratelimit.NewLocalWindow(hourly),
		ratelimit.NewLocalWindow(daily),
	}
}

func healthHandler(s *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
