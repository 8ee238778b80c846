// Package config provides configuration management for the catalog cache
// engine. It loads values from environment variables with sensible defaults
// and validates them so the process fails fast on a broken deployment.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: ops server port (default: 8080)
//   - LOG_LEVEL: logging level (default: info)
//
// Redis Configuration:
//   - REDIS_ADDRESSES: comma-separated quorum node addresses
//     (default: localhost:6379). Production deployments use an odd
//     number of independent nodes, at least 3.
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: connection pool size per node (default: 10)
//
// Source of Truth:
//   - POSTGRES_DSN: PostgreSQL connection string for the product store
//
// Cache Tuning:
//   - L1_CAPACITY: local cache entry bound (default: 1024)
//   - L2_TTL: shared cache entry TTL (default: 10m)
//
// Lock Tuning:
//   - LOCK_TTL: leader lease duration (default: 8s)
//   - LOCK_RETRIES: acquisition attempts before taking the follower path (default: 3)
//   - LOCK_BACKOFF_BASE: base delay between acquisition attempts (default: 50ms)
//   - FOLLOWER_WAIT_TIMEOUT: how long a follower waits for the leader's
//     completion signal (default: LOCK_TTL if unset)
//
// Dead-Letter Retry:
//   - DLQ_INTERVAL: retry worker period (default: 30s)
//   - DLQ_BATCH_SIZE: max items popped per cycle (default: 20)
//   - DLQ_RETRY_CEILING: attempts before a key is dropped as a permanent
//     failure (default: 5)
//   - DLQ_BACKOFF_BASE: base retry delay (default: 10s)
//   - DLQ_BACKOFF_CAP: upper bound on the retry delay (default: 10m)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the cache engine process.
// Load it once at startup and validate before use; the values are constants
// for the lifetime of the process.
type Config struct {
	// Application settings
	Port     string // ops server port
	LogLevel string // logging level (debug, info, warn, error)

	// Redis configuration for the shared cache and coordination surface
	RedisAddresses []string // quorum node addresses (host:port)
	RedisPassword  string   // Redis authentication password
	RedisDB        int      // Redis database number (0-15)
	RedisPoolSize  int      // connection pool size per node

	// Source-of-truth configuration
	PostgresDSN string // PostgreSQL connection string

	// Cache tuning
	L1Capacity int           // local cache entry bound
	L2TTL      time.Duration // shared cache entry TTL

	// Quorum lock tuning
	LockTTL             time.Duration // leader lease duration
	LockRetries         int           // acquisition attempts before follower path
	LockBackoffBase     time.Duration // base delay between attempts
	FollowerWaitTimeout time.Duration // follower wait bound

	// Dead-letter retry tuning
	DLQInterval     time.Duration // retry worker period
	DLQBatchSize    int           // max items popped per cycle
	DLQRetryCeiling int           // attempts before permanent failure
	DLQBackoffBase  time.Duration // base retry delay
	DLQBackoffCap   time.Duration // retry delay upper bound
}

// Load creates a new Config instance with values loaded from environment
// variables. Unset variables fall back to defaults. Call Validate() on the
// result before use.
func Load() *Config {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddresses: splitAddresses(getEnv("REDIS_ADDRESSES", "localhost:6379")),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getIntEnv("REDIS_DB", 0),
		RedisPoolSize:  getIntEnv("REDIS_POOL_SIZE", 10),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		L1Capacity: getIntEnv("L1_CAPACITY", 1024),
		L2TTL:      getDurationEnv("L2_TTL", 10*time.Minute),

		LockTTL:         getDurationEnv("LOCK_TTL", 8*time.Second),
		LockRetries:     getIntEnv("LOCK_RETRIES", 3),
		LockBackoffBase: getDurationEnv("LOCK_BACKOFF_BASE", 50*time.Millisecond),

		DLQInterval:     getDurationEnv("DLQ_INTERVAL", 30*time.Second),
		DLQBatchSize:    getIntEnv("DLQ_BATCH_SIZE", 20),
		DLQRetryCeiling: getIntEnv("DLQ_RETRY_CEILING", 5),
		DLQBackoffBase:  getDurationEnv("DLQ_BACKOFF_BASE", 10*time.Second),
		DLQBackoffCap:   getDurationEnv("DLQ_BACKOFF_CAP", 10*time.Minute),
	}

	// Followers wait at most one lease window unless told otherwise.
	cfg.FollowerWaitTimeout = getDurationEnv("FOLLOWER_WAIT_TIMEOUT", cfg.LockTTL)

	return cfg
}

// Validate checks that the configuration is usable. It returns an error
// describing the first problem found; configuration errors are the only
// failures in this system that are appropriate to treat as fatal.
func (c *Config) Validate() error {
	if len(c.RedisAddresses) == 0 {
		return fmt.Errorf("at least one redis address is required")
	}
	for _, addr := range c.RedisAddresses {
		if addr == "" {
			return fmt.Errorf("empty redis address in REDIS_ADDRESSES")
		}
	}
	if len(c.RedisAddresses)%2 == 0 {
		return fmt.Errorf("REDIS_ADDRESSES must list an odd number of nodes for quorum, got %d", len(c.RedisAddresses))
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15, got %d", c.RedisDB)
	}
	if c.L1Capacity <= 0 {
		return fmt.Errorf("L1_CAPACITY must be positive, got %d", c.L1Capacity)
	}
	if c.L2TTL <= 0 {
		return fmt.Errorf("L2_TTL must be positive, got %s", c.L2TTL)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.LockRetries < 1 {
		return fmt.Errorf("LOCK_RETRIES must be at least 1, got %d", c.LockRetries)
	}
	if c.FollowerWaitTimeout <= 0 {
		return fmt.Errorf("FOLLOWER_WAIT_TIMEOUT must be positive, got %s", c.FollowerWaitTimeout)
	}
	if c.DLQBatchSize < 1 {
		return fmt.Errorf("DLQ_BATCH_SIZE must be at least 1, got %d", c.DLQBatchSize)
	}
	if c.DLQRetryCeiling < 1 {
		return fmt.Errorf("DLQ_RETRY_CEILING must be at least 1, got %d", c.DLQRetryCeiling)
	}
	if c.DLQBackoffCap < c.DLQBackoffBase {
		return fmt.Errorf("DLQ_BACKOFF_CAP (%s) must not be below DLQ_BACKOFF_BASE (%s)", c.DLQBackoffCap, c.DLQBackoffBase)
	}
	return nil
}

func splitAddresses(raw string) []string {
	parts := strings.Split(raw, ",")
	addresses := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			addresses = append(addresses, trimmed)
		}
	}
	return addresses
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
