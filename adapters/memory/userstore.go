package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/shopspring/decimal"
)

// UserStore is an in-memory implementation of ports.UserStore.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]ports.User
}

// NewUserStore creates a new in-memory user store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]ports.User)}
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, id string) (ports.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return ports.User{}, ports.ErrNotFound
	}
	return user, nil
}

// Create stores a new user.
func (s *UserStore) Create(ctx context.Context, u ports.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return ports.ErrDuplicate
	}
	s.users[u.ID] = u
	return nil
}

// PlanStore is an in-memory implementation of ports.PlanStore.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]billing.Plan
}

// NewPlanStore creates a plan store seeded with plans.
func NewPlanStore(plans ...billing.Plan) *PlanStore {
	s := &PlanStore{plans: make(map[string]billing.Plan, len(plans))}
	for _, p := range plans {
		s.plans[p.Key] = p
	}
	return s
}

// Get retrieves a plan by key.
func (s *PlanStore) Get(ctx context.Context, key string) (billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[key]
	if !ok {
		return billing.Plan{}, ports.ErrNotFound
	}
	return p, nil
}

// List returns all plans ordered by key.
func (s *PlanStore) List(ctx context.Context) ([]billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert creates or replaces a plan.
func (s *PlanStore) Upsert(ctx context.Context, p billing.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[p.Key] = p
	return nil
}

// Ledger is an in-memory implementation of ports.Ledger.
type Ledger struct {
	mu      sync.RWMutex
	entries []ports.LedgerEntry
	failErr error
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// FailWith makes subsequent credits return err. Pass nil to clear.
func (l *Ledger) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

// Credit appends an entry.
func (l *Ledger) Credit(ctx context.Context, e ports.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failErr != nil {
		return l.failErr
	}
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns the user's entries in insertion order.
func (l *Ledger) Entries(userID string) []ports.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ports.LedgerEntry
	for _, e := range l.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Balance sums the user's entries.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range l.Entries(userID) {
		total = total.Add(e.Amount)
	}
	return total, nil
}

// Ensure interface compliance.
var (
	_ ports.UserStore = (*UserStore)(nil)
	_ ports.PlanStore = (*PlanStore)(nil)
	_ ports.Ledger    = (*Ledger)(nil)
)
