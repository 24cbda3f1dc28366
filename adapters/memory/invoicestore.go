package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// InvoiceStore is an in-memory implementation of ports.InvoiceStore.
type InvoiceStore struct {
	mu       sync.RWMutex
	invoices map[string]billing.Invoice
	numbers  map[string]string // invoice number -> ID
}

// NewInvoiceStore creates a new in-memory invoice store.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices: make(map[string]billing.Invoice),
		numbers:  make(map[string]string),
	}
}

// Get retrieves an invoice by ID.
func (s *InvoiceStore) Get(ctx context.Context, id string) (billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return billing.Invoice{}, ports.ErrNotFound
	}
	return inv, nil
}

// Create stores a new invoice.
func (s *InvoiceStore) Create(ctx context.Context, inv billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[inv.ID]; exists {
		return ports.ErrDuplicate
	}
	if _, exists := s.numbers[inv.Number]; exists {
		return ports.ErrDuplicate
	}
	s.invoices[inv.ID] = inv
	s.numbers[inv.Number] = inv.ID
	return nil
}

// Update writes inv conditionally on its stored status.
func (s *InvoiceStore) Update(ctx context.Context, inv billing.Invoice, expected ...billing.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.invoices[inv.ID]
	if !ok {
		return ports.ErrNotFound
	}
	if len(expected) > 0 && !containsStatus(expected, current.Status) {
		return ports.ErrConflict
	}
	inv.Number = current.Number
	s.invoices[inv.ID] = inv
	return nil
}

// List returns invoices matching the filter ordered by due date ascending.
func (s *InvoiceStore) List(ctx context.Context, f ports.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Invoice
	for _, inv := range s.invoices {
		if f.SubscriptionID != "" && inv.SubscriptionID != f.SubscriptionID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, inv.Status) {
			continue
		}
		if f.DueBefore != nil && inv.DueDate.After(*f.DueBefore) {
			continue
		}
		if f.PeriodEndFrom != nil && inv.PeriodEnd.Before(*f.PeriodEndFrom) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return page(out, f.Limit, f.Offset), nil
}

// Ensure interface compliance.
var _ ports.InvoiceStore = (*InvoiceStore)(nil)
