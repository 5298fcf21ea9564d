package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// JWT
	JWTSecret string

	// Supabase
	SupabaseURL string

	// Credential encryption at rest
	EncryptionKey string

	// Rate limiting
	RateLimitIPPerMin   int
	RateLimitUserPerMin int

	// CORS
	AllowedOrigins []string

	// Upstream providers. Empty endpoint values keep the public
	// Google/Works endpoints; overrides exist for tests and
	// private-cloud deployments.
	GmailTokenEndpoint string
	WorksTokenEndpoint string
	GmailAPIBaseURL    string
	WorksAPIBaseURL    string
	FetchConcurrency   int
	UpstreamTimeoutSec int
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),

		// Supabase
		SupabaseURL: getEnv("SUPABASE_URL", ""),

		// Encryption
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		// Rate limiting
		RateLimitIPPerMin:   getEnvInt("RATE_LIMIT_IP_PER_MIN", 500),
		RateLimitUserPerMin: getEnvInt("RATE_LIMIT_USER_PER_MIN", 2000),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Upstream providers
		GmailTokenEndpoint: getEnv("GMAIL_TOKEN_ENDPOINT", ""),
		WorksTokenEndpoint: getEnv("WORKS_TOKEN_ENDPOINT", ""),
		GmailAPIBaseURL:    getEnv("GMAIL_API_BASE_URL", ""),
		WorksAPIBaseURL:    getEnv("WORKS_API_BASE_URL", ""),
		FetchConcurrency:   getEnvInt("FETCH_CONCURRENCY", 10),
		UpstreamTimeoutSec: getEnvInt("UPSTREAM_TIMEOUT_SEC", 15),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
