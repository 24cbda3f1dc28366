// Package metrics provides Prometheus metrics collection for billingd.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billingd"

// Collector holds all Prometheus metrics for billingd. A nil *Collector is
// valid and records nothing.
type Collector struct {
	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	JobItems    *prometheus.CounterVec

	// Payment metrics
	ChargeAttempts *prometheus.CounterVec
	ChargeDuration *prometheus.HistogramVec
	Collected      *prometheus.CounterVec

	// Lifecycle metrics
	InvoicesCreated         prometheus.Counter
	SubscriptionTransitions *prometheus.CounterVec
	DunningEmails           *prometheus.CounterVec
	NotificationFailures    *prometheus.CounterVec
	JobsDispatched          *prometheus.CounterVec
	EventsForwarded         *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Total number of orchestrator job runs",
			},
			[]string{"job", "result"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Orchestrator job duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"job"},
		),
		JobItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_items_total",
				Help:      "Items processed by orchestrator jobs by outcome",
			},
			[]string{"job", "outcome"},
		),
		ChargeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charge_attempts_total",
				Help:      "Total number of gateway charge attempts",
			},
			[]string{"gateway", "result", "code"},
		),
		ChargeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "charge_duration_seconds",
				Help:      "Gateway charge latency in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"gateway"},
		),
		Collected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collected_amount_total",
				Help:      "Total amount collected by currency",
			},
			[]string{"currency"},
		),
		InvoicesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoices_created_total",
				Help:      "Total number of invoices created",
			},
		),
		SubscriptionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_transitions_total",
				Help:      "Subscription lifecycle transitions by action",
			},
			[]string{"action"},
		),
		DunningEmails: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dunning_emails_total",
				Help:      "Dunning emails sent by level",
			},
			[]string{"level"},
		),
		NotificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_failures_total",
				Help:      "Notifications that could not be delivered",
			},
			[]string{"kind"},
		),
		JobsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_jobs_dispatched_total",
				Help:      "Scheduled jobs dispatched by kind and result",
			},
			[]string{"kind", "result"},
		),
		EventsForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_forwarded_total",
				Help:      "Domain events forwarded to the broker",
			},
			[]string{"result"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveJob records one orchestrator run.
func (c *Collector) ObserveJob(job string, d time.Duration, succeeded, failed, skipped int, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.JobRuns.WithLabelValues(job, result).Inc()
	c.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	c.JobItems.WithLabelValues(job, "succeeded").Add(float64(succeeded))
	c.JobItems.WithLabelValues(job, "failed").Add(float64(failed))
	c.JobItems.WithLabelValues(job, "skipped").Add(float64(skipped))
}

// ObserveCharge records one gateway call. code is empty on success.
func (c *Collector) ObserveCharge(gateway, code string, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if code != "" {
		result = "failed"
	}
	c.ChargeAttempts.WithLabelValues(gateway, result, code).Inc()
	c.ChargeDuration.WithLabelValues(gateway).Observe(d.Seconds())
}

// AddCollected adds a collected amount.
func (c *Collector) AddCollected(currency string, amount float64) {
	if c == nil {
		return
	}
	c.Collected.WithLabelValues(currency).Add(amount)
}

// InvoiceCreated counts a new invoice.
func (c *Collector) InvoiceCreated() {
	if c == nil {
		return
	}
	c.InvoicesCreated.Inc()
}

// Transition counts a subscription lifecycle action.
func (c *Collector) Transition(action string) {
	if c == nil {
		return
	}
	c.SubscriptionTransitions.WithLabelValues(action).Inc()
}

// DunningSent counts a dunning email.
func (c *Collector) DunningSent(level string) {
	if c == nil {
		return
	}
	c.DunningEmails.WithLabelValues(level).Inc()
}

// NotificationFailed counts an undeliverable notification.
func (c *Collector) NotificationFailed(kind string) {
	if c == nil {
		return
	}
	c.NotificationFailures.WithLabelValues(kind).Inc()
}

// Dispatched counts a scheduled job hand-off.
func (c *Collector) Dispatched(kind string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.JobsDispatched.WithLabelValues(kind, result).Inc()
}

// Forwarded counts an event shipped to the broker.
func (c *Collector) Forwarded(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.EventsForwarded.WithLabelValues(result).Inc()
}

// ConfigReloaded records a config reload outcome.
func (c *Collector) ConfigReloaded(at time.Time, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}
