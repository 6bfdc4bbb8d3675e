// Package cache holds generated thumbnail bytes in front of the blob store.
package cache

import (
	"context"
	"fmt"
	"time"

	"image_ingest/internal/models"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Stats() Stats
	Close() error
}

type Stats struct {
	Type          string  `json:"type"`
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	HitRate       float64 `json:"hit_rate"`
	EvictionCount int64   `json:"eviction_count"`
}

// New builds the cache selected by cfg.Type. "none" returns a cache that
// never stores anything.
func New(ctx context.Context, cfg models.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRU(cfg.Capacity), nil
	case "redis":
		c, err := NewRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "none", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("cache.New: unknown cache type %q", cfg.Type)
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Noop) Stats() Stats { return Stats{Type: "none"} }

func (Noop) Close() error { return nil }
