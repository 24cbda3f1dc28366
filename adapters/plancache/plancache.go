// Package plancache serves plans from an expiring LRU in front of the plan store.
package plancache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Catalog implements ports.PlanCatalog.
type Catalog struct {
	store  ports.PlanStore
	cache  *lru.LRU[string, billing.Plan]
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a catalog caching up to size plans for ttl.
func New(store ports.PlanStore, size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 128
	}
	return &Catalog{
		store: store,
		cache: lru.NewLRU[string, billing.Plan](size, nil, ttl),
	}
}

// Get returns the plan with key.
func (c *Catalog) Get(ctx context.Context, key string) (billing.Plan, error) {
	if p, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return p, nil
	}
	c.misses.Add(1)

	p, err := c.store.Get(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return billing.Plan{}, fmt.Errorf("%w: %s", billing.ErrPlanNotFound, key)
	}
	if err != nil {
		return billing.Plan{}, fmt.Errorf("load plan %s: %w", key, err)
	}
	c.cache.Add(key, p)
	return p, nil
}

// Purge drops every cached plan. Called after the plan store is resynced.
func (c *Catalog) Purge() {
	c.cache.Purge()
}

// Stats returns cache hits and misses.
func (c *Catalog) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Ensure interface compliance.
var _ ports.PlanCatalog = (*Catalog)(nil)
