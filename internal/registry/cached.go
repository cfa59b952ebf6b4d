package registry

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/oriys/quasar/internal/rpc"
)

// DefaultCacheTTL bounds how stale a cached lookup can be.
const DefaultCacheTTL = 5 * time.Second

const defaultCacheSize = 1024

// CachedRegistry wraps a Registry and caches Lookup results. Writes through
// this registry and change notifications invalidate or refresh the affected
// service immediately; the TTL bounds staleness for changes made by other
// processes that are not observed through a subscription.
type CachedRegistry struct {
	Registry // underlying registry, uncached methods delegate here

	lookups *expirable.LRU[string, []*rpc.URL]
}

// NewCachedRegistry returns a caching wrapper around reg. Pass ttl <= 0 to
// use DefaultCacheTTL.
func NewCachedRegistry(reg Registry, ttl time.Duration) *CachedRegistry {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedRegistry{
		Registry: reg,
		lookups:  expirable.NewLRU[string, []*rpc.URL](defaultCacheSize, nil, ttl),
	}
}

func (c *CachedRegistry) Lookup(ctx context.Context, service string) ([]*rpc.URL, error) {
	if urls, ok := c.lookups.Get(service); ok {
		return cloneURLs(urls), nil
	}
	urls, err := c.Registry.Lookup(ctx, service)
	if err != nil {
		return nil, err
	}
	c.lookups.Add(service, cloneURLs(urls))
	return urls, nil
}

func (c *CachedRegistry) Register(ctx context.Context, u *rpc.URL) error {
	c.lookups.Remove(u.Service)
	return c.Registry.Register(ctx, u)
}

func (c *CachedRegistry) Unregister(ctx context.Context, u *rpc.URL) error {
	c.lookups.Remove(u.Service)
	return c.Registry.Unregister(ctx, u)
}

// Subscribe refreshes the cached entry with every notified provider list
// before passing it on.
func (c *CachedRegistry) Subscribe(service string, l Listener) func() {
	return c.Registry.Subscribe(service, func(svc string, providers []*rpc.URL) {
		c.lookups.Add(svc, cloneURLs(providers))
		l(svc, providers)
	})
}

// Unwrap returns the underlying registry.
func (c *CachedRegistry) Unwrap() Registry { return c.Registry }

func cloneURLs(urls []*rpc.URL) []*rpc.URL {
	out := make([]*rpc.URL, len(urls))
	copy(out, urls)
	return out
}
