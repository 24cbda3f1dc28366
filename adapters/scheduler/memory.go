package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/artpar/billingd/ports"
)

// Memory is an in-process JobScheduler. Jobs do not survive a restart; the
// daily catch-up jobs cover anything lost.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]ports.ScheduledJob
}

// NewMemory creates an empty in-memory scheduler.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]ports.ScheduledJob)}
}

// ScheduleAt queues job under key, replacing any job with the same key.
func (m *Memory) ScheduleAt(ctx context.Context, at time.Time, key string, job ports.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[key] = ports.ScheduledJob{Key: key, RunAt: at, Job: job}
	return nil
}

// Cancel removes the job with key.
func (m *Memory) Cancel(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, key)
	return nil
}

// Due removes and returns up to limit jobs due at now, earliest first.
func (m *Memory) Due(ctx context.Context, now time.Time, limit int) ([]ports.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []ports.ScheduledJob
	for _, j := range m.jobs {
		if !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt.Equal(due[k].RunAt) {
			return due[i].Key < due[k].Key
		}
		return due[i].RunAt.Before(due[k].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, j := range due {
		delete(m.jobs, j.Key)
	}
	return due, nil
}

// Pending returns the scheduled job for key, if any.
func (m *Memory) Pending(key string) (ports.ScheduledJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[key]
	return j, ok
}

// Len returns the number of queued jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Ensure interface compliance.
var _ ports.JobScheduler = (*Memory)(nil)
