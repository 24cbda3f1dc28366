// Package app contains the billing services: subscription lifecycle,
// invoices, payment retries, dunning, usage metering and the cron
// orchestrator that drives them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
)

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any)
}

// Metrics records service-level measurements.
type Metrics interface {
	ObserveJob(job string, d time.Duration, succeeded, failed, skipped int, err error)
	ObserveCharge(gateway, code string, d time.Duration)
	AddCollected(currency string, amount float64)
	InvoiceCreated()
	Transition(action string)
	DunningSent(level string)
	NotificationFailed(kind string)
	Dispatched(kind string, err error)
}

// Deps are the collaborators shared by the billing services. Each
// constructor uses the subset it needs.
type Deps struct {
	Subscriptions ports.SubscriptionStore
	Invoices      ports.InvoiceStore
	Retries       ports.RetryStore
	Attempts      ports.AttemptStore
	Dunning       ports.DunningStore
	Usage         ports.UsageStore
	History       ports.HistoryStore
	Warnings      ports.ExpiryWarningStore
	Users         ports.UserStore
	Plans         ports.PlanCatalog
	Ledger        ports.Ledger

	Charger   ports.PaymentCharger
	Scheduler ports.JobScheduler
	Tax       ports.TaxResolver
	Documents ports.DocumentGenerator

	// ChargeTimeout bounds gateway calls made outside the retry engine.
	// Zero uses the retry default.
	ChargeTimeout time.Duration

	Clock  ports.Clock
	IDs    ports.IDGenerator
	Random ports.Random

	Events  Publisher
	Mailer  *Mailer
	Metrics Metrics
	Logger  zerolog.Logger
}

func (d Deps) metrics() Metrics {
	if d.Metrics == nil {
		return nopMetrics{}
	}
	return d.Metrics
}

func (d Deps) chargeTimeout() time.Duration {
	if d.ChargeTimeout <= 0 {
		return DefaultRetryConfig().ChargeTimeout
	}
	return d.ChargeTimeout
}

func (d Deps) events() Publisher {
	if d.Events == nil {
		return nopPublisher{}
	}
	return d.Events
}

type nopMetrics struct{}

func (nopMetrics) ObserveJob(string, time.Duration, int, int, int, error) {}
func (nopMetrics) ObserveCharge(string, string, time.Duration)             {}
func (nopMetrics) AddCollected(string, float64)                            {}
func (nopMetrics) InvoiceCreated()                                         {}
func (nopMetrics) Transition(string)                                       {}
func (nopMetrics) DunningSent(string)                                      {}
func (nopMetrics) NotificationFailed(string)                               {}
func (nopMetrics) Dispatched(string, error)                                {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) {}

// BatchResult summarises one run of a batch entry point.
type BatchResult struct {
	Job       string   `json:"job"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *BatchResult) fail(id string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

// Scheduler job kinds.
const (
	JobRetryAttempt     = "retry.attempt"
	JobDunningSend      = "dunning.send"
	JobResume           = "subscription.resume"
	JobFinalizeCancel   = "subscription.finalize_cancel"
	JobApplyPlanChange  = "subscription.apply_plan_change"
	payloadInvoiceID    = "invoice_id"
	payloadSubscription = "subscription_id"
	payloadLevel        = "level"

	payloadDispatchAttempt = "dispatch_attempt"
)

func retryKey(invoiceID string, n int) string {
	return fmt.Sprintf("retry:%s:%d", invoiceID, n)
}

func dunningKey(invoiceID string, level int) string {
	return fmt.Sprintf("dunning:%s:%d", invoiceID, level)
}

func resumeKey(subID string) string         { return "resume:" + subID }
func finalizeCancelKey(subID string) string { return "finalize_cancel:" + subID }
func planChangeKey(subID string) string     { return "plan_change:" + subID }

// storeErr maps store sentinels onto domain errors.
func storeErr(err, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ports.ErrNotFound):
		return notFound
	case errors.Is(err, ports.ErrConflict):
		return billing.ErrConcurrentUpdate
	}
	return err
}

// mutateSubscription applies fn to a fresh copy of the subscription and
// writes it conditionally on the status and version it was read with.
// Conflicts re-read and re-apply fn a few times, so fn sees every
// concurrent write. fn returns false to skip the write.
func mutateSubscription(ctx context.Context, store ports.SubscriptionStore, id string, fn func(*billing.Subscription) bool) (billing.Subscription, error) {
	const attempts = 3
	for i := 0; ; i++ {
		sub, err := store.Get(ctx, id)
		if err != nil {
			return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
		}
		expected := sub.Status
		if !fn(&sub) {
			return sub, nil
		}
		err = store.Update(ctx, sub, expected)
		if err == nil {
			sub.Version++
			return sub, nil
		}
		if !errors.Is(err, ports.ErrConflict) || i == attempts-1 {
			return billing.Subscription{}, storeErr(err, billing.ErrSubscriptionNotFound)
		}
	}
}

// getPlan resolves key, reporting a missing plan as billing.ErrPlanNotFound.
func getPlan(ctx context.Context, plans ports.PlanCatalog, key string) (billing.Plan, error) {
	p, err := plans.Get(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return billing.Plan{}, billing.ErrPlanNotFound
	}
	return p, err
}
