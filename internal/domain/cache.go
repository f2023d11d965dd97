package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error

	// GetReport returns the report cached for an input digest, or nil, nil.
	GetReport(ctx context.Context, tenantID string, digest string) (*Report, error)

	// SetReport caches a report under its input digest.
	SetReport(ctx context.Context, tenantID string, digest string, report *Report, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type"`

	LocalMaxSize int           `koanf:"local_max_size"`
	LocalTTL     time.Duration `koanf:"local_ttl"`

	// RedisAddr is one address, or a comma separated list for a cluster or
	// the sentinels of RedisMasterName.
	RedisAddr       string `koanf:"redis_addr"`
	RedisPassword   string `koanf:"redis_password"`
	RedisDB         int    `koanf:"redis_db"`
	RedisMasterName string `koanf:"redis_master_name"`
	RedisPoolSize   int    `koanf:"redis_pool_size"`

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool `koanf:"enable_two_phase"`

	// ReportTTL is how long analysis reports stay cached.
	ReportTTL time.Duration `koanf:"report_ttl"`
}
