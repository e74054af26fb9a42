package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/shield/pkg/cryptox"
)

type Config struct {
	Issuer string // Required: issuer name for TOTP URIs and session assertions

	TOTPStep          time.Duration // Optional: TOTP time-step size (default: 30s)
	MaxFailedAttempts int           // Optional: consecutive MFA failure ceiling (default: 5)

	SessionMaxDuration time.Duration // Optional: absolute session lifetime (default: 8h)
	SessionIdleTimeout time.Duration // Optional: idle expiry (default: 30m)
	HighRiskThreshold  int           // Optional: risk score above which MFA is required (default: 50)

	EncryptionAlgorithm string        // Optional: AEAD identifier (default: aes-256-gcm)
	KeyRetention        time.Duration // Optional: how long retired keys stay resolvable (default: 30 days)

	AuditRetention time.Duration // Optional: audit log retention (default: 90 days)

	DatabaseFile string // Optional: SQLite database path; empty selects the in-memory store

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

// LoadConfig reads the configuration surface from the environment. Unset or
// unparseable values fall back to their defaults.
func LoadConfig() Config {
	cfg := Config{
		Issuer:            os.Getenv("SHIELD_ISSUER"),
		TOTPStep:          time.Duration(getEnvIntOrDefault("SHIELD_MFA_TOTP_STEP_SECONDS", 30)) * time.Second,
		MaxFailedAttempts: getEnvIntOrDefault("SHIELD_MFA_MAX_FAILED_ATTEMPTS", 5),

		SessionMaxDuration: time.Duration(getEnvIntOrDefault("SHIELD_SESSION_MAX_DURATION_MINUTES", 480)) * time.Minute,
		SessionIdleTimeout: time.Duration(getEnvIntOrDefault("SHIELD_SESSION_IDLE_TIMEOUT_MINUTES", 30)) * time.Minute,
		HighRiskThreshold:  getEnvIntOrDefault("SHIELD_SESSION_HIGH_RISK_THRESHOLD", 50),

		EncryptionAlgorithm: getEnvOrDefault("SHIELD_ENCRYPTION_ALGORITHM", cryptox.AlgorithmAESGCM),
		KeyRetention:        time.Duration(getEnvIntOrDefault("SHIELD_KEY_RETENTION_DAYS", 30)) * 24 * time.Hour,

		AuditRetention: time.Duration(getEnvIntOrDefault("SHIELD_AUDIT_RETENTION_DAYS", 90)) * 24 * time.Hour,

		DatabaseFile: os.Getenv("SHIELD_DATABASE_FILE"),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		HousekeepingInterval: getEnvDurationOrDefault("SHIELD_HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	if cfg.Issuer == "" {
		cfg.Issuer = "shield"
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
