package videos

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karyon/client/internal/models"
)

type cacheEntry struct {
	metadata models.LinkMetadata
	expires  time.Time
}

// CachingProvider wraps another Provider with a TTL cache keyed by the
// trimmed link. Concurrent misses for one link share a single upstream call.
// Failures are never cached.
type CachingProvider struct {
	base   Provider
	ttl    time.Duration
	flight singleflight.Group

	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCachingProvider returns a Provider that caches lookups for the provided TTL.
func NewCachingProvider(base Provider, ttl time.Duration) *CachingProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingProvider{
		base:  base,
		ttl:   ttl,
		items: make(map[string]cacheEntry),
	}
}

// Lookup returns cached metadata when available, otherwise it delegates to the
// underlying provider and stores the result.
func (c *CachingProvider) Lookup(ctx context.Context, url string) (models.LinkMetadata, error) {
	if c == nil || c.base == nil {
		return models.LinkMetadata{}, ErrProviderUnavailable
	}
	key := strings.TrimSpace(url)

	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.metadata, nil
	}

	v, err, shared := c.flight.Do(key, func() (any, error) {
		return c.fetch(ctx, key)
	})
	if err != nil {
		// The caller that led the shared fetch went away; fetch with our context.
		if shared && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return c.fetch(ctx, key)
		}
		return models.LinkMetadata{}, err
	}
	return v.(models.LinkMetadata), nil
}

func (c *CachingProvider) fetch(ctx context.Context, key string) (models.LinkMetadata, error) {
	metadata, err := c.base.Lookup(ctx, key)
	if err != nil {
		return models.LinkMetadata{}, err
	}
	c.store(key, metadata)
	return metadata, nil
}

func (c *CachingProvider) store(key string, metadata models.LinkMetadata) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.items {
		if !now.Before(e.expires) {
			delete(c.items, k)
		}
	}
	c.items[key] = cacheEntry{metadata: metadata, expires: now.Add(c.ttl)}
}
