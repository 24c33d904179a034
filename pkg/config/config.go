// Package config loads server configuration from the environment and
// jurisdiction profiles from YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	// BaseURL prefixes generated invite links.
	BaseURL string

	LedgerSigningKey  string
	JWTSigningKey     string
	MFASealKey        string
	RequestSigningKey string
	SystemToken       string

	// RequireSignature forces HMAC signatures on mutating requests.
	RequireSignature bool

	RateLimitRPS   float64
	RateLimitBurst int

	// Jurisdiction selects the profile_<code>.yaml applied at startup.
	Jurisdiction string
	ProfilesDir  string
	OTLPTarget   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		LogLevel:          getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		BaseURL:           getenv("BASE_URL", "http://localhost:8080"),
		LedgerSigningKey:  getenv("LEDGER_SIGNING_KEY", "dev-ledger-signing-key"),
		JWTSigningKey:     getenv("JWT_SIGNING_KEY", "dev-jwt-signing-key"),
		MFASealKey:        getenv("MFA_SEAL_KEY", "0123456789abcdef0123456789abcdef"),
		RequestSigningKey: os.Getenv("REQUEST_SIGNING_KEY"),
		SystemToken:       os.Getenv("SYSTEM_TOKEN"),
		RequireSignature:  os.Getenv("REQUIRE_SIGNATURE") == "true",
		Jurisdiction:      os.Getenv("JURISDICTION"),
		ProfilesDir:       getenv("PROFILES_DIR", "profiles"),
		OTLPTarget:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.RateLimitRPS = 50
	if v, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64); err == nil && v > 0 {
		cfg.RateLimitRPS = v
	}
	cfg.RateLimitBurst = 100
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST")); err == nil && v > 0 {
		cfg.RateLimitBurst = v
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
