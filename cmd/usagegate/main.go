package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/slidepilot/usagegate/config"
	"github.com/slidepilot/usagegate/internal/api"
	"github.com/slidepilot/usagegate/internal/auth"
	"github.com/slidepilot/usagegate/internal/cost"
	"github.com/slidepilot/usagegate/internal/ratelimit"
	"github.com/slidepilot/usagegate/internal/seeder"
	"github.com/slidepilot/usagegate/internal/telemetry"
	"github.com/slidepilot/usagegate/internal/usagelog"
)

func main() {
	// 1. Load config. Missing limiter credentials in production fail here.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("usagegate", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect the rate limit store, or run the limiter disabled in
	// development when no credentials are set.
	var rdb *redis.Client
	var limiter *ratelimit.Limiter
	if cfg.LimiterConfigured() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisToken,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			// Reachability at boot is not required; checks fail open.
			logger.Warn("rate limit store unreachable at startup", zap.Error(err))
		} else {
			logger.Info("Redis connected")
		}
		limiter = ratelimit.New(ratelimit.NewRedisStore(rdb), cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	} else {
		logger.Warn("rate limiting disabled: no store configured")
		limiter = ratelimit.NewDisabled(logger)
	}

	// 5. Init identity
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init ledger
	ledger := usagelog.NewPostgresStore(pool)

	// 7. Init handler
	pricing := cost.Pricing{InputTokenUSD: cfg.InputTokenPriceUSD}
	tracer := otel.GetTracerProvider().Tracer("usagegate")
	handler := api.NewHandler(ledger, limiter, pricing, cfg.USDJPYRate, tracer, logger)

	// 8. Seed a dev session if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" && !cfg.IsProduction() {
		seeder.SeedTestSession(ctx, authStore, logger)
	}

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"usagegate"}`))
	})

	// Governed routes; identity is optional for estimate and append,
	// required by the list handler itself.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/api/v1/estimate", handler.HandleEstimate)
		r.Post("/api/v1/usage-logs", handler.HandleAppendUsage)
		r.Get("/api/v1/usage-logs", handler.HandleListUsage)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("usagegate starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
