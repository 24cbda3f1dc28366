package plancache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/artpar/billingd/adapters/memory"
	"github.com/artpar/billingd/adapters/plancache"
	"github.com/artpar/billingd/domain/billing"
	"github.com/shopspring/decimal"
)

func TestCatalog_CachesUntilPurge(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPlanStore(billing.Plan{Key: "pro", Price: decimal.NewFromInt(100)})
	c := plancache.New(store, 10, time.Hour)

	p, err := c.Get(ctx, "pro")
	if err != nil || !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("Get() = %+v, %v", p, err)
	}

	store.Upsert(ctx, billing.Plan{Key: "pro", Price: decimal.NewFromInt(200)})
	p, _ = c.Get(ctx, "pro")
	if !p.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cached price = %s, want 100 before purge", p.Price)
	}

	c.Purge()
	p, _ = c.Get(ctx, "pro")
	if !p.Price.Equal(decimal.NewFromInt(200)) {
		t.Errorf("price after purge = %s, want 200", p.Price)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Errorf("Stats() = %d hits, %d misses, want 1, 2", hits, misses)
	}
}

func TestCatalog_Expiry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPlanStore(billing.Plan{Key: "basic"})
	c := plancache.New(store, 10, 10*time.Millisecond)

	c.Get(ctx, "basic")
	time.Sleep(30 * time.Millisecond)
	c.Get(ctx, "basic")

	if _, misses := c.Stats(); misses != 2 {
		t.Errorf("misses = %d, want 2 after expiry", misses)
	}
}

func TestCatalog_NotFound(t *testing.T) {
	c := plancache.New(memory.NewPlanStore(), 10, time.Hour)

	_, err := c.Get(context.Background(), "enterprise")
	if !errors.Is(err, billing.ErrPlanNotFound) {
		t.Errorf("Get() = %v, want ErrPlanNotFound", err)
	}
}
