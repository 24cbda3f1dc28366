// Package memory provides in-memory implementations of the storage ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
)

// SubscriptionStore is an in-memory implementation of ports.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]billing.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]billing.Subscription)}
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return cloneSubscription(sub), nil
}

// GetActiveByUser returns the newest active subscription of the user.
func (s *SubscriptionStore) GetActiveByUser(ctx context.Context, userID string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *billing.Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || sub.Status != billing.SubscriptionStatusActive {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			sub := sub
			found = &sub
		}
	}
	if found == nil {
		return billing.Subscription{}, ports.ErrNotFound
	}
	return cloneSubscription(*found), nil
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return ports.ErrDuplicate
	}
	s.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

// Update writes sub, conditionally on the stored status and version.
func (s *SubscriptionStore) Update(ctx context.Context, sub billing.Subscription, expected billing.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.subs[sub.ID]
	if !ok {
		return ports.ErrNotFound
	}
	if expected != "" && (current.Status != expected || current.Version != sub.Version) {
		return ports.ErrConflict
	}
	stored := cloneSubscription(sub)
	stored.Version = current.Version + 1
	s.subs[sub.ID] = stored
	return nil
}

// List returns subscriptions matching the filter ordered by next renewal.
func (s *SubscriptionStore) List(ctx context.Context, f ports.SubscriptionFilter) ([]billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []billing.Subscription
	for _, sub := range s.subs {
		if matchSubscription(sub, f) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRenewalAt.Equal(out[j].NextRenewalAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRenewalAt.Before(out[j].NextRenewalAt)
	})
	return page(out, f.Limit, f.Offset), nil
}

func matchSubscription(sub billing.Subscription, f ports.SubscriptionFilter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, sub.Status) {
		return false
	}
	if f.UserID != "" && sub.UserID != f.UserID {
		return false
	}
	if f.RenewalBefore != nil && !sub.NextRenewalAt.Before(*f.RenewalBefore) {
		return false
	}
	if f.RenewalAfter != nil && !sub.NextRenewalAt.After(*f.RenewalAfter) {
		return false
	}
	if f.ExpiresBefore != nil && (sub.ExpiresAt == nil || sub.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	if f.MinFailedPayments > 0 && sub.FailedPaymentCount < f.MinFailedPayments {
		return false
	}
	if f.MaxDunningLevel != nil && sub.DunningLevel >= *f.MaxDunningLevel {
		return false
	}
	if f.MetadataKey != "" && sub.Meta(f.MetadataKey) == "" {
		return false
	}
	return true
}

func containsStatus[T comparable](list []T, v T) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneSubscription(sub billing.Subscription) billing.Subscription {
	if sub.Metadata != nil {
		m := make(map[string]string, len(sub.Metadata))
		for k, v := range sub.Metadata {
			m[k] = v
		}
		sub.Metadata = m
	}
	return sub
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
