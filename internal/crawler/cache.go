package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/metrics"
)

const defaultCacheSize = 10000

// errUnresolved is the sentinel remembered for a failed resolution.
var errUnresolved = errors.New("archived thread could not be resolved")

// CacheConfig bounds an ArchiveCache.
type CacheConfig struct {
	Size int `mapstructure:"size"`
	// FailureTTL is how long a failed lookup is remembered. Zero keeps
	// failures until they are evicted by size.
	FailureTTL time.Duration `mapstructure:"failure_ttl"`
}

// ArchiveCache remembers archived-thread resolutions for the lifetime of
// one configuration load. Concurrent lookups of one key share a fetch.
type ArchiveCache struct {
	resolved *lru.Cache[string, entity.RawThread]
	failed   *expirable.LRU[string, struct{}]
	group    singleflight.Group
}

// NewArchiveCache builds an ArchiveCache.
func NewArchiveCache(cfg CacheConfig) (*ArchiveCache, error) {
	size := cfg.Size
	if size <= 0 {
		size = defaultCacheSize
	}
	resolved, err := lru.New[string, entity.RawThread](size)
	if err != nil {
		return nil, fmt.Errorf("create archive cache: %w", err)
	}
	return &ArchiveCache{
		resolved: resolved,
		failed:   expirable.NewLRU[string, struct{}](size, nil, cfg.FailureTTL),
	}, nil
}

// Resolve returns the cached thread for key or calls fetch once. The
// boolean is false when the key is known (or just found) to be
// unresolvable; the error is only set by the fetch that failed.
func (c *ArchiveCache) Resolve(
	ctx context.Context,
	key string,
	fetch func(ctx context.Context) (entity.RawThread, error),
) (entity.RawThread, bool, error) {
	if t, ok := c.resolved.Get(key); ok {
		metrics.ObserveArchiveCache("hit")
		return t, true, nil
	}
	if _, ok := c.failed.Get(key); ok {
		metrics.ObserveArchiveCache("failure")
		return entity.RawThread{}, false, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		metrics.ObserveArchiveCache("miss")
		t, err := fetch(ctx)
		if err != nil {
			c.failed.Add(key, struct{}{})
			return nil, fmt.Errorf("%w: %w", errUnresolved, err)
		}
		c.resolved.Add(key, t)
		return t, nil
	})
	if err != nil {
		return entity.RawThread{}, false, err
	}
	return v.(entity.RawThread), true, nil
}

// Len reports the number of remembered resolutions and failures.
func (c *ArchiveCache) Len() (resolved, failed int) {
	return c.resolved.Len(), c.failed.Len()
}
