package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billingd/domain/usage"
	"github.com/artpar/billingd/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
type UsageStore struct {
	mu      sync.RWMutex
	records []usage.Record
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		records: make([]usage.Record, 0),
	}
}

// Record appends a usage record.
func (s *UsageStore) Record(ctx context.Context, r usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, r)
	return nil
}

// ListByPeriod returns the subscription's records recorded in [start, end).
func (s *UsageStore) ListByPeriod(ctx context.Context, subscriptionID string, start, end time.Time) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	period := usage.Period{Start: start, End: end}
	var matching []usage.Record
	for _, r := range s.records {
		if r.SubscriptionID == subscriptionID && period.Contains(r.RecordedAt) {
			matching = append(matching, r)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].RecordedAt.Before(matching[j].RecordedAt)
	})
	return matching, nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
