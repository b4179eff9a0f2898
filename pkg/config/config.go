package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds process configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string

	PaymentBackend       string // "fake" | "http"
	PaymentBackendURL    string
	PaymentBackendSecret string
	PaymentRateLimit     float64

	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	RedisAddr string // empty selects the in-memory idempotency guard

	OTelEnabled  bool
	OTLPEndpoint string

	FailurePolicy       string // "abort" | "continue"
	ArtifactStorageType string // "fs" | "s3" | "gcs"
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOr("DATA_DIR", "data"),

		PaymentBackend:       strings.ToLower(envOr("PAYMENT_BACKEND", "fake")),
		PaymentBackendURL:    os.Getenv("PAYMENT_BACKEND_URL"),
		PaymentBackendSecret: os.Getenv("PAYMENT_BACKEND_SECRET"),
		PaymentRateLimit:     envFloat("PAYMENT_RATE_LIMIT", 10),

		// LM Studio default
		LLMServiceURL: envOr("LLM_SERVICE_URL", "http://localhost:1234/v1"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      envOr("LLM_MODEL", "gpt-4o-mini"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint: envOr("OTLP_ENDPOINT", "localhost:4317"),

		FailurePolicy:       strings.ToLower(envOr("FAILURE_POLICY", "abort")),
		ArtifactStorageType: strings.ToLower(envOr("ARTIFACT_STORAGE_TYPE", "fs")),
	}
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}
