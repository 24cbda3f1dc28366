package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/domain/dunning"
	"github.com/artpar/billingd/ports"
)

// DunningStore is an in-memory implementation of ports.DunningStore.
type DunningStore struct {
	mu     sync.Mutex
	emails map[string]dunning.Email
}

// NewDunningStore creates a new in-memory dunning store.
func NewDunningStore() *DunningStore {
	return &DunningStore{emails: make(map[string]dunning.Email)}
}

// Record stores a sent email, unique per invoice and level.
func (s *DunningStore) Record(ctx context.Context, e dunning.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[e.ID]; exists {
		return ports.ErrDuplicate
	}
	for _, existing := range s.emails {
		if existing.InvoiceID == e.InvoiceID && existing.Level == e.Level {
			return ports.ErrDuplicate
		}
	}
	s.emails[e.ID] = e
	return nil
}

// Delete removes a record.
func (s *DunningStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[id]; !exists {
		return ports.ErrNotFound
	}
	delete(s.emails, id)
	return nil
}

// ListByInvoice returns sent emails ordered by level.
func (s *DunningStore) ListByInvoice(ctx context.Context, invoiceID string) ([]dunning.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dunning.Email
	for _, e := range s.emails {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

// ExpiryWarningStore is an in-memory implementation of ports.ExpiryWarningStore.
type ExpiryWarningStore struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

// NewExpiryWarningStore creates a new in-memory warning flag store.
func NewExpiryWarningStore() *ExpiryWarningStore {
	return &ExpiryWarningStore{sent: make(map[string]time.Time)}
}

// MarkSent claims the flag once.
func (s *ExpiryWarningStore) MarkSent(ctx context.Context, subscriptionID string, renewalAt time.Time, daysBefore int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subscriptionID + "|" + renewalAt.UTC().Format(time.RFC3339) + "|" + itoa(daysBefore)
	if _, exists := s.sent[key]; exists {
		return ports.ErrDuplicate
	}
	s.sent[key] = at
	return nil
}

// Count returns the number of claimed flags.
func (s *ExpiryWarningStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// HistoryStore is an in-memory implementation of ports.HistoryStore.
type HistoryStore struct {
	mu      sync.RWMutex
	entries []billing.HistoryEntry
}

// NewHistoryStore creates a new in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// Append stores an entry.
func (s *HistoryStore) Append(ctx context.Context, e billing.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// ListBySubscription returns entries oldest first.
func (s *HistoryStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]billing.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.HistoryEntry
	for _, e := range s.entries {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Ensure interface compliance.
var (
	_ ports.DunningStore       = (*DunningStore)(nil)
	_ ports.ExpiryWarningStore = (*ExpiryWarningStore)(nil)
	_ ports.HistoryStore       = (*HistoryStore)(nil)
)
