package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/billingd/adapters/sqlstore"
	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/domain/usage"
	"github.com/artpar/billingd/ports"
	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *sqlstore.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "billing-test.db")
	db, err := sqlstore.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSubscription(id string) billing.Subscription {
	return billing.Subscription{
		ID:                id,
		UserID:            "user-" + id,
		PlanKey:           "basic",
		Interval:          billing.IntervalMonth,
		PointsPerInterval: 1000,
		Status:            billing.SubscriptionStatusActive,
		NextRenewalAt:     baseTime.AddDate(0, 0, 10),
		PaymentMethod:     "pm_card_visa",
		Currency:          "USD",
		Metadata:          map[string]string{"source": "test"},
		CreatedAt:         baseTime,
		UpdatedAt:         baseTime,
	}
}

func testInvoice(id, number string) billing.Invoice {
	return billing.Invoice{
		ID:             id,
		SubscriptionID: "sub-1",
		UserID:         "user-sub-1",
		Number:         number,
		Amount:         decimal.RequireFromString("49.99"),
		TaxAmount:      decimal.Zero,
		TotalAmount:    decimal.RequireFromString("49.99"),
		Currency:       "USD",
		Status:         billing.InvoiceStatusPending,
		PeriodStart:    baseTime.AddDate(0, -1, 0),
		PeriodEnd:      baseTime,
		DueDate:        baseTime,
		CreatedAt:      baseTime,
	}
}

// -----------------------------------------------------------------------------
// SubscriptionStore Tests
// -----------------------------------------------------------------------------

func TestSubscriptionStore_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewSubscriptionStore(db)
	ctx := context.Background()

	sub := testSubscription("sub-1")
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlanKey != "basic" || got.Status != billing.SubscriptionStatusActive {
		t.Errorf("got %+v", got)
	}
	if !got.NextRenewalAt.Equal(sub.NextRenewalAt) {
		t.Errorf("NextRenewalAt = %v, want %v", got.NextRenewalAt, sub.NextRenewalAt)
	}
	if got.Meta("source") != "test" {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}
	if got.PausedAt != nil || got.CancelledAt != nil {
		t.Error("expected nil optional timestamps")
	}

	if err := store.Create(ctx, sub); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("duplicate create = %v, want ErrDuplicate", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("get missing = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionStore_ConditionalUpdate(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewSubscriptionStore(db)
	ctx := context.Background()

	sub := testSubscription("sub-1")
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	paused := sub
	paused.Status = billing.SubscriptionStatusPaused
	pausedAt := baseTime.Add(time.Hour)
	paused.PausedAt = &pausedAt
	if err := store.Update(ctx, paused, billing.SubscriptionStatusActive); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A second writer that still believes the subscription is active loses.
	cancelled := sub
	cancelled.Status = billing.SubscriptionStatusCancelled
	if err := store.Update(ctx, cancelled, billing.SubscriptionStatusActive); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("stale update = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, sub.ID)
	if got.Status != billing.SubscriptionStatusPaused || got.PausedAt == nil {
		t.Errorf("got status %s paused_at %v", got.Status, got.PausedAt)
	}

	missing := testSubscription("nope")
	if err := store.Update(ctx, missing, ""); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionStore_UpdateStaleVersion(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewSubscriptionStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testSubscription("sub-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, _ := store.Get(ctx, "sub-1")
	second, _ := store.Get(ctx, "sub-1")

	first.DunningLevel = 3
	if err := store.Update(ctx, first, billing.SubscriptionStatusActive); err != nil {
		t.Fatalf("update: %v", err)
	}

	second.FailedPaymentCount = 1
	if err := store.Update(ctx, second, billing.SubscriptionStatusActive); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("stale version update = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, "sub-1")
	if got.DunningLevel != 3 || got.FailedPaymentCount != 0 || got.Version != 1 {
		t.Errorf("got dunning_level=%d failed_payment_count=%d version=%d",
			got.DunningLevel, got.FailedPaymentCount, got.Version)
	}
}

func TestSubscriptionStore_List(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewSubscriptionStore(db)
	ctx := context.Background()

	a := testSubscription("a")
	a.NextRenewalAt = baseTime.AddDate(0, 0, -3)
	a.FailedPaymentCount = 1
	a.DunningLevel = 1
	b := testSubscription("b")
	b.NextRenewalAt = baseTime.AddDate(0, 0, 5)
	c := testSubscription("c")
	c.Status = billing.SubscriptionStatusPaused
	c.NextRenewalAt = baseTime.AddDate(0, 0, -5)
	c = c.WithMeta(billing.MetaResumeAt, baseTime.Format(time.RFC3339))
	d := testSubscription("d")
	d.FailedPaymentCount = 2
	d.DunningLevel = 4
	for _, s := range []billing.Subscription{a, b, c, d} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	before := baseTime
	got, err := store.List(ctx, ports.SubscriptionFilter{
		Statuses:      []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
		RenewalBefore: &before,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("renewal filter = %v", ids(got))
	}

	maxLevel := 4
	got, err = store.List(ctx, ports.SubscriptionFilter{
		Statuses:          []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
		MinFailedPayments: 1,
		MaxDunningLevel:   &maxLevel,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("dunning filter = %v", ids(got))
	}

	got, err = store.List(ctx, ports.SubscriptionFilter{MetadataKey: billing.MetaResumeAt})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("metadata filter = %v", ids(got))
	}

	got, err = store.List(ctx, ports.SubscriptionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("ordered page = %v, want [c a]", ids(got))
	}

	active, err := store.GetActiveByUser(ctx, "user-b")
	if err != nil || active.ID != "b" {
		t.Errorf("GetActiveByUser = %v, %v", active.ID, err)
	}
	if _, err := store.GetActiveByUser(ctx, "user-c"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("paused user = %v, want ErrNotFound", err)
	}
}

func ids(subs []billing.Subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

// -----------------------------------------------------------------------------
// InvoiceStore Tests
// -----------------------------------------------------------------------------

func TestInvoiceStore_UniqueNumber(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewInvoiceStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testInvoice("inv-1", "INV-20260301-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, testInvoice("inv-2", "INV-20260301-00001"))
	if !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("duplicate number = %v, want ErrDuplicate", err)
	}

	got, err := store.Get(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("49.99")) {
		t.Errorf("TotalAmount = %s", got.TotalAmount)
	}
}

func TestInvoiceStore_ConditionalUpdate(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewInvoiceStore(db)
	ctx := context.Background()

	inv := testInvoice("inv-1", "INV-20260301-00001")
	if err := store.Create(ctx, inv); err != nil {
		t.Fatalf("create: %v", err)
	}

	paidAt := baseTime.Add(time.Hour)
	paid := inv
	paid.Status = billing.InvoiceStatusPaid
	paid.PaidAt = &paidAt
	paid.TransactionID = "pi_123"
	if err := store.Update(ctx, paid, billing.InvoiceStatusPending, billing.InvoiceStatusFailed); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	failed := inv
	failed.Status = billing.InvoiceStatusFailed
	if err := store.Update(ctx, failed, billing.InvoiceStatusPending); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("update paid invoice = %v, want ErrConflict", err)
	}

	got, _ := store.Get(ctx, inv.ID)
	if got.Status != billing.InvoiceStatusPaid || got.TransactionID != "pi_123" || got.PaidAt == nil {
		t.Errorf("got %+v", got)
	}
}

func TestInvoiceStore_ListOrderedByDueDate(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewInvoiceStore(db)
	ctx := context.Background()

	late := testInvoice("inv-late", "INV-20260301-00002")
	late.DueDate = baseTime.AddDate(0, 0, 5)
	early := testInvoice("inv-early", "INV-20260301-00003")
	early.DueDate = baseTime.AddDate(0, 0, -5)
	paid := testInvoice("inv-paid", "INV-20260301-00004")
	paid.Status = billing.InvoiceStatusPaid
	for _, inv := range []billing.Invoice{late, early, paid} {
		if err := store.Create(ctx, inv); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.List(ctx, ports.InvoiceFilter{
		SubscriptionID: "sub-1",
		Statuses:       []billing.InvoiceStatus{billing.InvoiceStatusPending},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "inv-early" || got[1].ID != "inv-late" {
		t.Errorf("list order wrong: %d invoices", len(got))
	}

	due := baseTime
	got, _ = store.List(ctx, ports.InvoiceFilter{
		Statuses:  []billing.InvoiceStatus{billing.InvoiceStatusPending},
		DueBefore: &due,
	})
	if len(got) != 1 || got[0].ID != "inv-early" {
		t.Errorf("due filter returned %d invoices", len(got))
	}
}

// -----------------------------------------------------------------------------
// RetryStore Tests
// -----------------------------------------------------------------------------

func testRetry(id string, n int, at time.Time) retry.Retry {
	return retry.Retry{
		ID:             id,
		InvoiceID:      "inv-1",
		SubscriptionID: "sub-1",
		UserID:         "user-1",
		AttemptNumber:  n,
		ScheduledAt:    at,
		Status:         retry.StatusScheduled,
		CreatedAt:      baseTime,
	}
}

func TestRetryStore_UniqueAttemptNumber(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewRetryStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testRetry("r-1", 1, baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, testRetry("r-dup", 1, baseTime)); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("duplicate attempt = %v, want ErrDuplicate", err)
	}
}

func TestRetryStore_ClaimIsExclusive(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewRetryStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, testRetry("r-1", 1, baseTime)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Transition(ctx, "r-1", retry.StatusScheduled, retry.StatusInProgress, baseTime)
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("claims won = %d, want 1", wins)
	}
	got, _ := store.Get(ctx, "r-1")
	if got.Status != retry.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestRetryStore_ListDueAndCancel(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewRetryStore(db)
	ctx := context.Background()

	due := testRetry("r-1", 1, baseTime.Add(-time.Hour))
	future := testRetry("r-2", 2, baseTime.AddDate(0, 0, 3))
	other := testRetry("r-3", 1, baseTime.Add(-2*time.Hour))
	other.InvoiceID = "inv-2"
	for _, r := range []retry.Retry{due, future, other} {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := store.ListDue(ctx, baseTime, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-3" || got[1].ID != "r-1" {
		t.Errorf("due retries = %d, want [r-3 r-1]", len(got))
	}

	cancelled, err := store.CancelScheduled(ctx, "inv-1", baseTime)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(cancelled) != 2 {
		t.Errorf("cancelled = %d, want 2", len(cancelled))
	}

	byInvoice, _ := store.ListByInvoice(ctx, "inv-1")
	for _, r := range byInvoice {
		if r.Status != retry.StatusCancelled {
			t.Errorf("retry %s status = %s, want cancelled", r.ID, r.Status)
		}
	}

	scheduled, _ := store.ListScheduledBySubscription(ctx, "sub-1")
	if len(scheduled) != 1 || scheduled[0].ID != "r-3" {
		t.Errorf("scheduled by subscription = %d, want [r-3]", len(scheduled))
	}
}

func TestAttemptStore_RecordAndList(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewAttemptStore(db)
	ctx := context.Background()

	attempts := []retry.Attempt{
		{ID: "a-1", InvoiceID: "inv-1", AttemptNumber: 0, Amount: decimal.NewFromInt(10), Currency: "USD",
			Status: retry.AttemptFailed, ErrorCode: retry.CodeCardDeclined, CreatedAt: baseTime},
		{ID: "a-2", InvoiceID: "inv-1", AttemptNumber: 1, Amount: decimal.NewFromInt(10), Currency: "USD",
			Status: retry.AttemptSuccess, TransactionID: "pi_1", Gateway: "stripe", CreatedAt: baseTime.Add(time.Hour)},
	}
	for _, a := range attempts {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.ListByInvoice(ctx, "inv-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ErrorCode != retry.CodeCardDeclined || got[1].TransactionID != "pi_1" {
		t.Errorf("attempts = %+v", got)
	}
}

// -----------------------------------------------------------------------------
// Dunning, expiry, usage, history, plans, ledger
// -----------------------------------------------------------------------------

func TestDunningStore_OnePerLevel(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewDunningStore(db)
	ctx := context.Background()

	e := dunning.Email{ID: "d-1", SubscriptionID: "sub-1", InvoiceID: "inv-1", UserID: "u", Level: 2, SentAt: baseTime}
	if err := store.Record(ctx, e); err != nil {
		t.Fatalf("record: %v", err)
	}
	e.ID = "d-2"
	if err := store.Record(ctx, e); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("second level-2 email = %v, want ErrDuplicate", err)
	}

	if err := store.Delete(ctx, "d-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Record(ctx, e); err != nil {
		t.Errorf("record after delete: %v", err)
	}
	got, _ := store.ListByInvoice(ctx, "inv-1")
	if len(got) != 1 || got[0].ID != "d-2" {
		t.Errorf("emails = %+v", got)
	}
}

func TestExpiryWarningStore_MarkSentOnce(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewExpiryWarningStore(db)
	ctx := context.Background()

	renewal := baseTime.AddDate(0, 0, 7)
	if err := store.MarkSent(ctx, "sub-1", renewal, 7, baseTime); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := store.MarkSent(ctx, "sub-1", renewal, 7, baseTime); !errors.Is(err, ports.ErrDuplicate) {
		t.Errorf("second mark = %v, want ErrDuplicate", err)
	}
	if err := store.MarkSent(ctx, "sub-1", renewal, 3, baseTime); err != nil {
		t.Errorf("other threshold: %v", err)
	}
	if err := store.MarkSent(ctx, "sub-1", renewal.AddDate(0, 1, 0), 7, baseTime); err != nil {
		t.Errorf("next renewal: %v", err)
	}
}

func TestUsageStore_ListByPeriod(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewUsageStore(db)
	ctx := context.Background()

	period := usage.PeriodFor(baseTime, billing.IntervalMonth)
	records := []usage.Record{
		{ID: "u-1", SubscriptionID: "sub-1", UserID: "u", Type: "api_calls", Amount: decimal.NewFromInt(5),
			RecordedAt: period.Start.Add(time.Hour), PeriodStart: period.Start, PeriodEnd: period.End},
		{ID: "u-2", SubscriptionID: "sub-1", UserID: "u", Type: "api_calls", Amount: decimal.NewFromInt(7),
			RecordedAt: period.End.Add(time.Hour), PeriodStart: period.End, PeriodEnd: period.End.AddDate(0, 1, 0)},
	}
	for _, r := range records {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := store.ListByPeriod(ctx, "sub-1", period.Start, period.End)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "u-1" || !got[0].Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("records = %+v", got)
	}
}

func TestHistoryStore_AppendWithProration(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewHistoryStore(db)
	ctx := context.Background()

	p := billing.CalculateProration(decimal.NewFromInt(100), decimal.NewFromInt(200), billing.IntervalMonth,
		baseTime, baseTime.AddDate(0, 0, 10))
	entry := billing.HistoryEntry{
		ID:             "h-1",
		SubscriptionID: "sub-1",
		Action:         billing.ActionPlanChanged,
		Before:         map[string]string{"plan_key": "basic"},
		After:          map[string]string{"plan_key": "pro"},
		Proration:      &p,
		Actor:          "user",
		CreatedAt:      baseTime,
	}
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.ListBySubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d", len(got))
	}
	if got[0].Proration == nil || !got[0].Proration.Amount.Equal(decimal.RequireFromString("33.4")) {
		t.Errorf("proration = %+v", got[0].Proration)
	}
	if got[0].After["plan_key"] != "pro" {
		t.Errorf("after = %v", got[0].After)
	}
}

func TestPlanStore_Upsert(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewPlanStore(db)
	ctx := context.Background()

	plan := billing.Plan{
		Key:      "pro",
		Name:     "Pro",
		Price:    decimal.RequireFromString("49.99"),
		Currency: "USD",
		Interval: billing.IntervalMonth,
		Usage: map[string]billing.Allowance{
			"api_calls": {Included: decimal.NewFromInt(10000), PerUnitPrice: decimal.RequireFromString("0.001"), Unit: "call"},
		},
	}
	if err := store.Upsert(ctx, plan); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	plan.Price = decimal.RequireFromString("59.99")
	if err := store.Upsert(ctx, plan); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.Get(ctx, "pro")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("59.99")) {
		t.Errorf("Price = %s, want 59.99", got.Price)
	}
	if a := got.Usage["api_calls"]; !a.Included.Equal(decimal.NewFromInt(10000)) || a.Unit != "call" {
		t.Errorf("allowance = %+v", a)
	}

	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Errorf("plans = %d, want 1", len(all))
	}
}

func TestLedger_CreditAndBalance(t *testing.T) {
	db := setupTestDB(t)
	ledger := sqlstore.NewLedger(db)
	ctx := context.Background()

	for i, amount := range []string{"10.50", "4.25"} {
		err := ledger.Credit(ctx, ports.LedgerEntry{
			ID:       "l-" + string(rune('a'+i)),
			UserID:   "u",
			Amount:   decimal.RequireFromString(amount),
			Currency: "USD",
			Reason:   "proration_credit",
		})
		if err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	balance, err := ledger.Balance(ctx, "u")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("14.75")) {
		t.Errorf("balance = %s, want 14.75", balance)
	}
}

func TestUserStore(t *testing.T) {
	db := setupTestDB(t)
	store := sqlstore.NewUserStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, ports.User{ID: "u", Email: "a@example.com", Name: "Ada"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.Get(ctx, "u")
	if err != nil || got.Email != "a@example.com" {
		t.Errorf("get = %+v, %v", got, err)
	}
	if _, err := store.Get(ctx, "x"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing = %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Errorf("second migrate: %v", err)
	}
}
