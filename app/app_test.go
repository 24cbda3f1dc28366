package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/billingd/adapters/clock"
	"github.com/artpar/billingd/adapters/email"
	"github.com/artpar/billingd/adapters/idgen"
	"github.com/artpar/billingd/adapters/memory"
	"github.com/artpar/billingd/adapters/payment"
	"github.com/artpar/billingd/adapters/random"
	"github.com/artpar/billingd/adapters/scheduler"
	"github.com/artpar/billingd/app"
	"github.com/artpar/billingd/core/events"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testPlans() []billing.Plan {
	return []billing.Plan{
		{Key: "starter", Name: "Starter", Price: decimal.NewFromInt(50), Currency: "USD", Interval: billing.IntervalMonth, PointsPerInterval: 500},
		{
			Key: "basic", Name: "Basic", Price: decimal.NewFromInt(100), Currency: "USD", Interval: billing.IntervalMonth, PointsPerInterval: 1000,
			Usage: map[string]billing.Allowance{
				"api_calls": {Included: decimal.NewFromInt(1000), PerUnitPrice: decimal.RequireFromString("0.01"), Unit: "call"},
			},
		},
		{Key: "pro", Name: "Pro", Price: decimal.NewFromInt(200), Currency: "USD", Interval: billing.IntervalMonth, PointsPerInterval: 5000},
	}
}

type harness struct {
	t   *testing.T
	ctx context.Context

	clock   *clock.Fake
	random  *random.Fake
	charger *payment.DummyCharger
	mail    *email.Mock
	sched   *scheduler.Memory
	ledger  *memory.Ledger
	bus     *events.Bus

	subs     *memory.SubscriptionStore
	invoices *memory.InvoiceStore
	retries  *memory.RetryStore
	attempts *memory.AttemptStore
	dunning  *memory.DunningStore
	history  *memory.HistoryStore
	warnings *memory.ExpiryWarningStore
	users    *memory.UserStore
	plans    *memory.PlanStore
	usage    *memory.UsageStore

	invoiceSvc *app.InvoiceService
	retrySvc   *app.RetryEngine
	dunningSvc *app.DunningService
	subSvc     *app.SubscriptionService
	usageSvc   *app.UsageService
	events     *app.PaymentEventService
	runner     *app.JobRunner
	cron       *app.CronService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	retry     app.RetryConfig
	mailer    app.MailerConfig
	tax       ports.TaxResolver
	docs      ports.DocumentGenerator
	wrapSubs  func(ports.SubscriptionStore) ports.SubscriptionStore
	wrapSched func(ports.JobScheduler) ports.JobScheduler
}

func withRetryConfig(c app.RetryConfig) harnessOption {
	return func(h *harnessConfig) { h.retry = c }
}

func withOperator(addr string) harnessOption {
	return func(h *harnessConfig) { h.mailer.OperatorEmail = addr }
}

func withTax(t ports.TaxResolver) harnessOption {
	return func(h *harnessConfig) { h.tax = t }
}

func withDocuments(g ports.DocumentGenerator) harnessOption {
	return func(h *harnessConfig) { h.docs = g }
}

// withSubscriptionStore puts wrap between the services and the memory store.
func withSubscriptionStore(wrap func(ports.SubscriptionStore) ports.SubscriptionStore) harnessOption {
	return func(h *harnessConfig) { h.wrapSubs = wrap }
}

// withScheduler puts wrap between the services and the memory scheduler.
func withScheduler(wrap func(ports.JobScheduler) ports.JobScheduler) harnessOption {
	return func(h *harnessConfig) { h.wrapSched = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		mailer: app.MailerConfig{
			UpdatePaymentURL: "https://billing.example.com/payment",
			DashboardURL:     "https://billing.example.com/",
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock.NewFake(t0),
		random:   random.NewFake(),
		charger:  payment.NewDummyCharger(),
		mail:     email.NewMock(),
		sched:    scheduler.NewMemory(),
		ledger:   memory.NewLedger(),
		bus:      events.NewBus(zerolog.Nop()),
		subs:     memory.NewSubscriptionStore(),
		invoices: memory.NewInvoiceStore(),
		retries:  memory.NewRetryStore(),
		attempts: memory.NewAttemptStore(),
		dunning:  memory.NewDunningStore(),
		history:  memory.NewHistoryStore(),
		warnings: memory.NewExpiryWarningStore(),
		users:    memory.NewUserStore(),
		plans:    memory.NewPlanStore(testPlans()...),
		usage:    memory.NewUsageStore(),
	}

	var subs ports.SubscriptionStore = h.subs
	if cfg.wrapSubs != nil {
		subs = cfg.wrapSubs(h.subs)
	}
	var sched ports.JobScheduler = h.sched
	if cfg.wrapSched != nil {
		sched = cfg.wrapSched(h.sched)
	}

	deps := app.Deps{
		Subscriptions: subs,
		Invoices:      h.invoices,
		Retries:       h.retries,
		Attempts:      h.attempts,
		Dunning:       h.dunning,
		Usage:         h.usage,
		History:       h.history,
		Warnings:      h.warnings,
		Users:         h.users,
		Plans:         h.plans,
		Ledger:        h.ledger,
		Charger:       h.charger,
		Scheduler:     sched,
		Tax:           cfg.tax,
		Documents:     cfg.docs,
		ChargeTimeout: cfg.retry.ChargeTimeout,
		Clock:         h.clock,
		IDs:           idgen.NewSequential("id-"),
		Random:        h.random,
		Events:        h.bus,
		Mailer:        app.NewMailer(h.mail, h.users, cfg.mailer, nil, zerolog.Nop()),
		Logger:        zerolog.Nop(),
	}

	h.invoiceSvc = app.NewInvoiceService(deps)
	h.retrySvc = app.NewRetryEngine(deps, h.invoiceSvc, cfg.retry)
	h.retrySvc.Subscribe(h.bus)
	h.dunningSvc = app.NewDunningService(deps, 0)
	h.dunningSvc.Subscribe(h.bus)
	h.subSvc = app.NewSubscriptionService(deps, h.retrySvc)
	h.usageSvc = app.NewUsageService(deps)
	h.events = app.NewPaymentEventService(h.invoiceSvc, h.retrySvc, zerolog.Nop())
	h.runner = app.NewJobRunner(h.subSvc, h.retrySvc, h.dunningSvc, nil, zerolog.Nop())
	h.cron = app.NewCronService(deps, h.retrySvc, h.dunningSvc, h.subSvc, h.runner, app.DefaultCronConfig())

	require.NoError(t, h.users.Create(h.ctx, ports.User{ID: "user-1", Email: "alice@example.com", Name: "Alice", CreatedAt: t0}))
	require.NoError(t, h.users.Create(h.ctx, ports.User{ID: "user-2", Email: "bob@example.com", Name: "Bob", CreatedAt: t0}))
	return h
}

// subscription stores an active basic-plan subscription renewing in 10 days.
func (h *harness) subscription(id, userID string, mutate ...func(*billing.Subscription)) billing.Subscription {
	h.t.Helper()
	sub := billing.Subscription{
		ID:                id,
		UserID:            userID,
		PlanKey:           "basic",
		Interval:          billing.IntervalMonth,
		PointsPerInterval: 1000,
		Status:            billing.SubscriptionStatusActive,
		NextRenewalAt:     t0.AddDate(0, 0, 10),
		PaymentMethod:     "pm_card_visa",
		Currency:          "USD",
		CreatedAt:         t0.AddDate(0, -1, 0),
		UpdatedAt:         t0.AddDate(0, -1, 0),
	}
	for _, m := range mutate {
		m(&sub)
	}
	require.NoError(h.t, h.subs.Create(h.ctx, sub))
	return sub
}

func (h *harness) invoice(subID string) billing.Invoice {
	h.t.Helper()
	inv, err := h.invoiceSvc.CreateRenewalInvoice(h.ctx, subID, app.InvoiceOverrides{})
	require.NoError(h.t, err)
	return inv
}

func (h *harness) getSub(id string) billing.Subscription {
	h.t.Helper()
	sub, err := h.subs.Get(h.ctx, id)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) getInvoice(id string) billing.Invoice {
	h.t.Helper()
	inv, err := h.invoices.Get(h.ctx, id)
	require.NoError(h.t, err)
	return inv
}

func (h *harness) failRenewal(invoiceID string) {
	h.t.Helper()
	require.NoError(h.t, h.retrySvc.HandlePaymentFailure(h.ctx, invoiceID, billing.ChargeFailure{
		Code:    "card_declined",
		Message: "Your card was declined.",
	}))
}

func (h *harness) actions(subID string) []billing.HistoryAction {
	h.t.Helper()
	entries, err := h.history.ListBySubscription(h.ctx, subID)
	require.NoError(h.t, err)
	out := make([]billing.HistoryAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func day(n int) time.Time {
	return t0.AddDate(0, 0, n)
}
