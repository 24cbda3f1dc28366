package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billingd/domain/retry"
	"github.com/artpar/billingd/ports"
)

// RetryStore is an in-memory implementation of ports.RetryStore.
type RetryStore struct {
	mu      sync.Mutex
	retries map[string]retry.Retry
}

// NewRetryStore creates a new in-memory retry store.
func NewRetryStore() *RetryStore {
	return &RetryStore{retries: make(map[string]retry.Retry)}
}

// Create stores a new retry slot.
func (s *RetryStore) Create(ctx context.Context, r retry.Retry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.retries[r.ID]; exists {
		return ports.ErrDuplicate
	}
	for _, existing := range s.retries {
		if existing.InvoiceID == r.InvoiceID && existing.AttemptNumber == r.AttemptNumber {
			return ports.ErrDuplicate
		}
	}
	s.retries[r.ID] = r
	return nil
}

// Get retrieves a retry by ID.
func (s *RetryStore) Get(ctx context.Context, id string) (retry.Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[id]
	if !ok {
		return retry.Retry{}, ports.ErrNotFound
	}
	return r, nil
}

// ListDue returns scheduled retries due at now, oldest first.
func (s *RetryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]retry.Retry, error) {
	out := s.filter(func(r retry.Retry) bool { return r.IsDue(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return page(out, limit, 0), nil
}

// ListByInvoice returns the invoice's retries ordered by attempt number.
func (s *RetryStore) ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Retry, error) {
	out := s.filter(func(r retry.Retry) bool { return r.InvoiceID == invoiceID })
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

// ListScheduledBySubscription returns scheduled retries of a subscription.
func (s *RetryStore) ListScheduledBySubscription(ctx context.Context, subscriptionID string) ([]retry.Retry, error) {
	out := s.filter(func(r retry.Retry) bool {
		return r.SubscriptionID == subscriptionID && r.Status == retry.StatusScheduled
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

// Transition atomically moves a retry between statuses.
func (s *RetryStore) Transition(ctx context.Context, id string, from, to retry.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.retries[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	s.retries[id] = r
	return true, nil
}

// CancelScheduled cancels every scheduled retry of the invoice.
func (s *RetryStore) CancelScheduled(ctx context.Context, invoiceID string, at time.Time) ([]retry.Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelled []retry.Retry
	for id, r := range s.retries {
		if r.InvoiceID != invoiceID || r.Status != retry.StatusScheduled {
			continue
		}
		r.Status = retry.StatusCancelled
		r.UpdatedAt = at
		s.retries[id] = r
		cancelled = append(cancelled, r)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].AttemptNumber < cancelled[j].AttemptNumber })
	return cancelled, nil
}

func (s *RetryStore) filter(keep func(retry.Retry) bool) []retry.Retry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []retry.Retry
	for _, r := range s.retries {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Ensure interface compliance.
var _ ports.RetryStore = (*RetryStore)(nil)

// AttemptStore is an in-memory implementation of ports.AttemptStore.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts []retry.Attempt
}

// NewAttemptStore creates a new in-memory attempt store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{}
}

// Record appends an attempt.
func (s *AttemptStore) Record(ctx context.Context, a retry.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

// ListByInvoice returns attempts in creation order.
func (s *AttemptStore) ListByInvoice(ctx context.Context, invoiceID string) ([]retry.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []retry.Attempt
	for _, a := range s.attempts {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.AttemptStore = (*AttemptStore)(nil)
