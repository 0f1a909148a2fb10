package cache

import (
	"context"
	"errors"

	"github.com/san-kum/knife-guard/server/detection"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores model output tensors keyed by a digest of the input frame.
type Cache interface {
	Set(ctx context.Context, key string, value *detection.Tensor) error

	Get(ctx context.Context, key string) (*detection.Tensor, error)

	Delete(ctx context.Context, key string) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Items     int   `json:"items"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
