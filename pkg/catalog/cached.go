package catalog

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Cached fronts a Catalog with an expiring LRU. Concurrent misses for the same
// key share one load. Errors are never cached.
type Cached struct {
	next  Catalog
	cache *lru.LRU[string, interface{}]
	group singleflight.Group
}

// NewCached wraps next with a cache of at most size entries living ttl each
func NewCached(next Catalog, size int, ttl time.Duration) *Cached {
	if size < 16 {
		size = 16
	}
	return &Cached{
		next:  next,
		cache: lru.NewLRU[string, interface{}](size, nil, ttl),
	}
}

func load[T any](c *Cached, key string, fn func() (T, error)) (T, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.(T), nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		loaded, err := fn()
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Cached) Plan(ctx context.Context, id int64) (*Plan, error) {
	return load(c, fmt.Sprintf("plan:%d", id), func() (*Plan, error) {
		return c.next.Plan(ctx, id)
	})
}

func (c *Cached) Addon(ctx context.Context, id int64) (*Addon, error) {
	return load(c, fmt.Sprintf("addon:%d", id), func() (*Addon, error) {
		return c.next.Addon(ctx, id)
	})
}

func (c *Cached) AddonByCode(ctx context.Context, code string) (*Addon, error) {
	return load(c, "addon_code:"+code, func() (*Addon, error) {
		return c.next.AddonByCode(ctx, code)
	})
}

func (c *Cached) AddonPrice(ctx context.Context, planID *int64, addonID int64, interval BillingInterval) (int64, error) {
	plan := "none"
	if planID != nil {
		plan = fmt.Sprint(*planID)
	}
	return load(c, fmt.Sprintf("price:%s:%d:%s", plan, addonID, interval), func() (int64, error) {
		return c.next.AddonPrice(ctx, planID, addonID, interval)
	})
}

// Purge drops every cached entry
func (c *Cached) Purge() {
	c.cache.Purge()
}
