package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // Postgres; when empty, SQLite is used
	SQLitePath  string
	RedisURL    string // when empty, the in-process broker is used
	JWTSecret   string

	// Text generation service (any OpenAI-compatible host)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	DefaultModel  string
	TitleModel    string

	// Chunk batching: flush when either threshold is reached
	BatchMaxChars int
	BatchInterval time.Duration
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		RedisURL:      os.Getenv("REDIS_URL"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		DefaultModel:  getEnv("DEFAULT_MODEL", "anthropic/claude-3-haiku"),
		TitleModel:    getEnv("TITLE_MODEL", "anthropic/claude-3-haiku"),
		BatchMaxChars: getEnvInt("BATCH_MAX_CHARS", 20),
		BatchInterval: time.Duration(getEnvInt("BATCH_MAX_INTERVAL_MS", 100)) * time.Millisecond,
	}

	// In production, require the secrets a real deployment cannot run without
	if cfg.Env == "production" {
		if cfg.JWTSecret == "dev-secret" {
			panic("JWT_SECRET is required in production")
		}
		if cfg.OpenAIAPIKey == "" {
			panic("OPENAI_API_KEY is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
