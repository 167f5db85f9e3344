package config

import (
	"os"
	"strconv"
	"strings"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setStringFromEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setIntFromEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloatFromEnv(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBoolFromEnv(key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// applyEnv overlays KIRO_-prefixed environment variables onto cfg.
func applyEnv(cfg *Config) {
	setIntFromEnv("KIRO_PORT", &cfg.Port)
	setBoolFromEnv("KIRO_DEBUG", &cfg.Debug)
	setStringFromEnv("KIRO_LOG_FILE", &cfg.LogFile)

	setStringFromEnv("KIRO_REGION", &cfg.Region)
	setStringFromEnv("KIRO_PROFILE_ARN", &cfg.ProfileARN)
	setStringFromEnv("KIRO_CREDS_FILE", &cfg.KiroCredsFile)

	setIntFromEnv("KIRO_TOKEN_REFRESH_THRESHOLD", &cfg.TokenRefreshThreshold)
	setFloatFromEnv("KIRO_TOKEN_MIN_SUCCESS_RATE", &cfg.TokenMinSuccessRate)
	setStringFromEnv("KIRO_TOKEN_ALLOCATION_STRATEGY", &cfg.TokenAllocationStrategy)
	setIntFromEnv("KIRO_TOKEN_HEALTH_CHECK_INTERVAL", &cfg.TokenHealthCheckInterval)
	setBoolFromEnv("KIRO_SELF_USE_MODE", &cfg.SelfUseMode)

	if v := os.Getenv("KIRO_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = strings.ToLower(v)
	}
	setStringFromEnv("KIRO_ENCRYPTION_KEY", &cfg.EncryptionKey)
	setStringFromEnv("KIRO_REDIS_ADDR", &cfg.RedisAddr)
	setStringFromEnv("KIRO_REDIS_PASSWORD", &cfg.RedisPassword)
	setIntFromEnv("KIRO_REDIS_DB", &cfg.RedisDB)
	setStringFromEnv("KIRO_REDIS_PREFIX", &cfg.RedisPrefix)
	setStringFromEnv("KIRO_POSTGRES_DSN", &cfg.PostgresDSN)
	setStringFromEnv("KIRO_MONGO_URI", &cfg.MongoURI)
	setStringFromEnv("KIRO_MONGO_DATABASE", &cfg.MongoDatabase)

	setStringFromEnv("KIRO_MANAGEMENT_KEY_HASH", &cfg.ManagementKeyHash)
	setIntFromEnv("KIRO_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	setIntFromEnv("KIRO_RATE_LIMIT_BURST", &cfg.RateLimitBurst)
}
