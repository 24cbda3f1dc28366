package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/billingd/config"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestNewCron(t *testing.T) {
	c, err := newCron(map[string]string{
		"process_retries": "0 * * * *",
		"dispatch_jobs":   "@every 1m",
		"check_dunning":   "",
	}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("newCron: %v", err)
	}
	if n := len(c.Entries()); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}

	if _, err := newCron(map[string]string{"process_retries": "every tuesday"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestCronConfigOverlay(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cron.DunningBatch = 7
	cfg.Billing.RenewalTolerance = 0

	got := cronConfig(cfg)
	if got.DunningBatch != 7 {
		t.Errorf("DunningBatch = %d, want 7", got.DunningBatch)
	}
	if got.RetryBatch != 50 || got.JobBatch != 100 {
		t.Errorf("defaults not kept: %+v", got)
	}
	if got.JobRetryBackoff != 5*time.Minute || got.JobMaxAttempts != 5 {
		t.Errorf("job retry defaults not kept: %+v", got)
	}
}

func TestApplyConfigReloadsPlans(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "memory"},
		Logging:  config.LoggingConfig{Level: "info"},
		Plans: []config.PlanConfig{
			{Key: "basic", Name: "Basic", Price: decimal.NewFromInt(10), Currency: "USD", Interval: "month"},
		},
	}
	cfg.Billing.PlanCacheSize = 16
	cfg.Documents.Store = "none"

	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown()

	// Prime the cache with the old price.
	p, err := a.plans.Get(context.Background(), "basic")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !p.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("price = %s, want 10", p.Price)
	}

	next := *cfg
	next.Plans = []config.PlanConfig{
		{Key: "basic", Name: "Basic", Price: decimal.NewFromInt(12), Currency: "USD", Interval: "month"},
		{Key: "team", Name: "Team", Price: decimal.NewFromInt(99), Currency: "USD", Interval: "month"},
	}
	a.applyConfig(&next)

	p, err = a.plans.Get(context.Background(), "basic")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !p.Price.Equal(decimal.NewFromInt(12)) {
		t.Errorf("price after reload = %s, want 12", p.Price)
	}
	if _, err := a.plans.Get(context.Background(), "team"); err != nil {
		t.Errorf("team plan missing after reload: %v", err)
	}
}
