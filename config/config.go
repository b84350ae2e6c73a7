package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080
	Env  string // "development" or "production", default: development

	// Database
	PostgresDSN string

	// Rate limit store. Both values are required in production; leaving
	// them unset in development disables admission control entirely.
	RedisAddr  string
	RedisToken string

	// Admission control
	RateLimitRequests int           // admitted requests per identifier per window, default: 30
	RateLimitWindow   time.Duration // default: 60s

	// Pricing. The per-token price tracks the provider's price list and
	// must stay configurable; the fixed per-image charges live with the
	// estimator because they are pinned by the supported output tier.
	InputTokenPriceUSD float64 // default: 0.000002
	USDJPYRate         float64 // default: 150

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("APP_ENV", "development"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("RATELIMIT_REDIS_ADDR"),
		RedisToken:           os.Getenv("RATELIMIT_REDIS_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	requests, err := getEnvInt("RATE_LIMIT_REQUESTS", 30)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitRequests = requests

	windowSec, err := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSec) * time.Second

	price, err := getEnvFloat("INPUT_TOKEN_PRICE_USD", 0.000002)
	if err != nil {
		return nil, err
	}
	cfg.InputTokenPriceUSD = price

	rate, err := getEnvFloat("USD_JPY_RATE", 150)
	if err != nil {
		return nil, err
	}
	cfg.USDJPYRate = rate

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.IsProduction() && !cfg.LimiterConfigured() {
		// Running production without admission control is a worse
		// failure mode than refusing to boot.
		return nil, fmt.Errorf("RATELIMIT_REDIS_ADDR and RATELIMIT_REDIS_TOKEN are required in production")
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LimiterConfigured reports whether the rate limit store credentials are
// present. When false outside production the limiter runs disabled and
// admits everything.
func (c *Config) LimiterConfigured() bool {
	return c.RedisAddr != "" && c.RedisToken != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
