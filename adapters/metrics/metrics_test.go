package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/billingd/adapters/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	if m.JobRuns == nil || m.ChargeAttempts == nil || m.DunningEmails == nil || m.ConfigReloads == nil {
		t.Fatal("collector has nil metrics")
	}
}

func TestObserveJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveJob("process_retries", 2*time.Second, 3, 1, 2, nil)
	m.ObserveJob("process_retries", time.Second, 0, 0, 0, errors.New("db down"))

	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("process_retries", "ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("process_retries", "error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobItems.WithLabelValues("process_retries", "skipped")); got != 2 {
		t.Errorf("skipped = %v, want 2", got)
	}
}

func TestObserveCharge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	m.ObserveCharge("stripe", "", 100*time.Millisecond)
	m.ObserveCharge("stripe", "card_declined", 200*time.Millisecond)
	m.ObserveCharge("stripe", "card_declined", 200*time.Millisecond)

	if got := testutil.ToFloat64(m.ChargeAttempts.WithLabelValues("stripe", "failed", "card_declined")); got != 2 {
		t.Errorf("failed charges = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ChargeAttempts.WithLabelValues("stripe", "success", "")); got != 1 {
		t.Errorf("successful charges = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "billingd_charge_duration_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("billingd_charge_duration_seconds metric not found")
	}
}

func TestConfigReloaded(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	at := time.Unix(1700000000, 0)

	m.ConfigReloaded(at, nil)
	m.ConfigReloaded(at, errors.New("bad yaml"))

	if got := testutil.ToFloat64(m.ConfigReloads); got != 1 {
		t.Errorf("reloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigReloadErrors); got != 1 {
		t.Errorf("reload errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigLastReload); got != 1700000000 {
		t.Errorf("last reload = %v", got)
	}
}

func TestNilCollector(t *testing.T) {
	var m *metrics.Collector

	m.ObserveJob("x", time.Second, 1, 1, 1, nil)
	m.ObserveCharge("g", "", time.Second)
	m.AddCollected("USD", 10)
	m.InvoiceCreated()
	m.Transition("paused")
	m.DunningSent("1")
	m.NotificationFailed("dunning")
	m.Dispatched("retry.attempt", nil)
	m.Forwarded(nil)
	m.ConfigReloaded(time.Now(), nil)
}
