// Package config loads gateway configuration from a YAML file and
// environment variables, validates it, and watches the file for changes.
package config

import (
	"fmt"
	"time"

	"github.com/NevinXuHui/KiroGate/internal/allocator"
	"github.com/NevinXuHui/KiroGate/internal/kiro"
)

// Config is the full gateway configuration. Env variables override file
// values; both override defaults.
type Config struct {
	// Server
	Port    int    `yaml:"port"`
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`

	// Kiro upstream
	Region        string `yaml:"region"`
	ProfileARN    string `yaml:"profile_arn"`
	KiroCredsFile string `yaml:"kiro_creds_file"`

	// Token lifecycle and allocation
	TokenRefreshThreshold    int     `yaml:"token_refresh_threshold"`     // seconds
	TokenMinSuccessRate      float64 `yaml:"token_min_success_rate"`      // [0,1]
	TokenAllocationStrategy  string  `yaml:"token_allocation_strategy"`   // score_based|round_robin|sequential
	TokenHealthCheckInterval int     `yaml:"token_health_check_interval"` // seconds, 0 disables
	SelfUseMode              bool    `yaml:"self_use_mode"`

	// Storage
	StorageBackend string `yaml:"storage_backend"` // memory|redis|postgres|mongodb
	EncryptionKey  string `yaml:"encryption_key"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	RedisPrefix    string `yaml:"redis_prefix"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	MongoURI       string `yaml:"mongo_uri"`
	MongoDatabase  string `yaml:"mongo_database"`

	// Ops surface
	ManagementKeyHash string `yaml:"management_key_hash"` // bcrypt
	RateLimitRPS      int    `yaml:"rate_limit_rps"`
	RateLimitBurst    int    `yaml:"rate_limit_burst"`
}

// Defaults returns a config with every default applied.
func Defaults() *Config {
	return &Config{
		Port:                     8080,
		Region:                   kiro.DefaultRegion,
		TokenRefreshThreshold:    60,
		TokenMinSuccessRate:      0.5,
		TokenAllocationStrategy:  string(allocator.StrategyScoreBased),
		TokenHealthCheckInterval: 300,
		StorageBackend:           "memory",
		EncryptionKey:            "kirogate-dev-only-key",
		RedisAddr:                "127.0.0.1:6379",
		RedisPrefix:              "kirogate:",
		MongoDatabase:            "kirogate",
		RateLimitRPS:             50,
		RateLimitBurst:           100,
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.TokenRefreshThreshold < 0 {
		return fmt.Errorf("token_refresh_threshold must be >= 0")
	}
	if c.TokenMinSuccessRate < 0 || c.TokenMinSuccessRate > 1 {
		return fmt.Errorf("token_min_success_rate must be in [0,1], got %v", c.TokenMinSuccessRate)
	}
	if !allocator.ValidStrategy(allocator.Strategy(c.TokenAllocationStrategy)) {
		return fmt.Errorf("unknown token_allocation_strategy %q", c.TokenAllocationStrategy)
	}
	if c.TokenHealthCheckInterval < 0 {
		return fmt.Errorf("token_health_check_interval must be >= 0")
	}
	switch c.StorageBackend {
	case "memory", "redis", "postgres", "mongodb":
	default:
		return fmt.Errorf("unknown storage_backend %q", c.StorageBackend)
	}
	if c.StorageBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires postgres_dsn")
	}
	if c.StorageBackend == "mongodb" && c.MongoURI == "" {
		return fmt.Errorf("mongodb backend requires mongo_uri")
	}
	return nil
}

// RefreshThreshold returns the staleness threshold as a duration.
func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.TokenRefreshThreshold) * time.Second
}

// HealthCheckInterval returns the sweep interval; 0 means disabled.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.TokenHealthCheckInterval) * time.Second
}
