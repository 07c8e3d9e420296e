// Package config loads gateway settings from the environment.
//
// Environment variables:
//
//	HTTP_PORT            — REST gateway port (default: 4000)
//	GRPC_PORT            — gRPC server port (default: 50051)
//	METRICS_PORT         — Prometheus metrics HTTP port (default: 9090)
//	LOG_LEVEL            — debug, info, warn or error (default: info)
//	NEWS_API_BASE_URL    — upstream base URL (default: https://newsdata.io/api/1)
//	API_KEY, API_KEY1..3 — upstream API keys, in rotation order
//	NEWS_API_KEYS        — extra comma-separated API keys
//	NEWS_KEY_COOLDOWN    — how long a rate-limited key sits out (default: 1h)
//	NEWS_MAX_ATTEMPTS    — attempts per upstream request (default: 4)
//	REQUEST_TIMEOUT      — upstream HTTP timeout (default: 30s)
//	REDIS_ADDR           — Redis address; empty disables the response cache
//	REDIS_PASSWORD       — Redis password (default: "")
//	REDIS_DB             — Redis database (default: 0)
//	CACHE_TTL            — cached response TTL (default: 10m)
//	CB_FAILURE_THRESHOLD — Circuit breaker failure threshold (default: 5)
//	CB_COOLDOWN          — Circuit breaker cooldown (default: 30s)
//	RATE_LIMIT_RPS       — per-client requests per second, 0 disables (default: 5)
//	RATE_LIMIT_BURST     — per-client burst (default: 10)
//	FRONTEND_URL         — allowed CORS origin (default: http://localhost:5173)
//	TRUST_PROXY          — take client addresses from X-Forwarded-For (default: false)
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway settings.
type Config struct {
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
	LogLevel    string

	NewsAPIBaseURL string
	APIKeys        []string
	KeyCooldown    time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	CBFailureThreshold int
	CBCooldown         time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	TrustProxy     bool

	FrontendURL string
}

// Load reads a .env file when present and then the process environment.
func Load() Config {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() Config {
	return Config{
		HTTPPort:    envOrDefault("HTTP_PORT", "4000"),
		GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
		MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),

		NewsAPIBaseURL: envOrDefault("NEWS_API_BASE_URL", "https://newsdata.io/api/1"),
		APIKeys:        apiKeys(),
		KeyCooldown:    envDurationOrDefault("NEWS_KEY_COOLDOWN", time.Hour),
		MaxAttempts:    envIntOrDefault("NEWS_MAX_ATTEMPTS", 4),
		RequestTimeout: envDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntOrDefault("REDIS_DB", 0),
		CacheTTL:      envDurationOrDefault("CACHE_TTL", 10*time.Minute),

		CBFailureThreshold: envIntOrDefault("CB_FAILURE_THRESHOLD", 5),
		CBCooldown:         envDurationOrDefault("CB_COOLDOWN", 30*time.Second),

		RateLimitRPS:   envFloatOrDefault("RATE_LIMIT_RPS", 5),
		RateLimitBurst: envIntOrDefault("RATE_LIMIT_BURST", 10),
		TrustProxy:     envBoolOrDefault("TRUST_PROXY", false),

		FrontendURL: envOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}
}

// Validate reports every invalid setting at once. An empty key pool is not an
// error: the gateway starts and answers with "no keys configured".
func (c Config) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.NewsAPIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("NEWS_API_BASE_URL: %w", err))
	}
	for name, port := range map[string]string{"HTTP_PORT": c.HTTPPort, "GRPC_PORT": c.GRPCPort, "METRICS_PORT": c.MetricsPort} {
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s: invalid port %q", name, port))
		}
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("NEWS_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	if c.KeyCooldown <= 0 {
		errs = append(errs, fmt.Errorf("NEWS_KEY_COOLDOWN must be positive, got %s", c.KeyCooldown))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.RedisAddr != "" && c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %g", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst))
	}

	return errors.Join(errs...)
}

// apiKeys collects API_KEY, API_KEY1..API_KEY3 and then NEWS_API_KEYS.
func apiKeys() []string {
	var keys []string
	for _, name := range []string{"API_KEY", "API_KEY1", "API_KEY2", "API_KEY3"} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			keys = append(keys, v)
		}
	}
	return append(keys, splitKeys(os.Getenv("NEWS_API_KEYS"))...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
