package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/cache"
	"github.com/san-kum/knife-guard/server/detection"
)

// CachingEngine answers repeated identical frames from a cache instead of
// running the model again.
type CachingEngine struct {
	next   Engine
	cache  cache.Cache
	logger *zap.Logger
}

func NewCachingEngine(next Engine, c cache.Cache, logger *zap.Logger) *CachingEngine {
	return &CachingEngine{next: next, cache: c, logger: logger}
}

func (e *CachingEngine) Infer(ctx context.Context, img image.Image) (*detection.Tensor, error) {
	key := FrameKey(img)

	cached, err := e.cache.Get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("Cache lookup failed", zap.Error(err))
	}

	output, err := e.next.Infer(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, key, output); err != nil {
		e.logger.Warn("Cache store failed", zap.Error(err))
	}
	return output, nil
}

// FrameKey digests the pixels and size of img.
func FrameKey(img image.Image) string {
	nrgba := imaging.Clone(img)
	size := make([]byte, 8)
	binary.BigEndian.PutUint32(size[:4], uint32(nrgba.Rect.Dx()))
	binary.BigEndian.PutUint32(size[4:], uint32(nrgba.Rect.Dy()))
	return cache.GenerateCacheKey(size, nrgba.Pix)
}
