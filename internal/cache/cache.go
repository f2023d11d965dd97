// Package cache provides report caching for Kestrel: an in-process LRU, Redis,
// or both layered as L1 and L2.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrTenantRequired is returned when a call has no tenant ID.
var ErrTenantRequired = errors.New("tenantID is required")

// keyPrefix namespaces every key written to a shared store.
const keyPrefix = "kestrel:"

// New creates a cache based on configuration.
// "memory" returns an LRU; "redis" returns Redis, wrapped behind an LRU when
// two-phase caching is enabled.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// byteStore is the raw key/value surface shared by every implementation.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func reportKey(digest string) string {
	return "report:" + digest
}

func getReport(ctx context.Context, s byteStore, tenantID, digest string) (*domain.Report, error) {
	data, err := s.Get(ctx, tenantID, reportKey(digest))
	if err != nil || data == nil {
		return nil, err
	}

	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("corrupt cached report %s: %w", digest, err)
	}
	return &report, nil
}

func setReport(ctx context.Context, s byteStore, tenantID, digest string, report *domain.Report, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, reportKey(digest), data, ttl)
}
