// Package scheduler provides JobScheduler implementations.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/billingd/ports"
	"github.com/redis/go-redis/v9"
)

// Redis keys, relative to the configured prefix.
const (
	dueKeySuffix  = ":due"  // sorted set: job key -> run-at unix millis
	jobsKeySuffix = ":jobs" // hash: job key -> JSON payload
)

type storedJob struct {
	RunAt time.Time `json:"run_at"`
	Job   ports.Job `json:"job"`
}

// Redis stores jobs in a sorted set scored by run time, with payloads in a
// hash. A job is handed out by whoever removes it from the sorted set, so
// several billingd processes can poll the same keys.
type Redis struct {
	client  redis.UniversalClient
	dueKey  string
	jobsKey string
}

// NewRedis creates a Redis scheduler. prefix namespaces the keys.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "billingd:scheduler"
	}
	return &Redis{
		client:  client,
		dueKey:  prefix + dueKeySuffix,
		jobsKey: prefix + jobsKeySuffix,
	}
}

// ScheduleAt queues job under key, replacing any job with the same key.
func (r *Redis) ScheduleAt(ctx context.Context, at time.Time, key string, job ports.Job) error {
	data, err := json.Marshal(storedJob{RunAt: at.UTC(), Job: job})
	if err != nil {
		return fmt.Errorf("encode job %s: %w", key, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobsKey, key, data)
		pipe.ZAdd(ctx, r.dueKey, redis.Z{Score: float64(at.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// Cancel removes the job with key.
func (r *Redis) Cancel(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.dueKey, key)
		pipe.HDel(ctx, r.jobsKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	return nil
}

// Due removes and returns up to limit jobs due at now.
func (r *Redis) Due(ctx context.Context, now time.Time, limit int) ([]ports.ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := r.client.ZRangeByScore(ctx, r.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	var out []ports.ScheduledJob
	for _, key := range keys {
		removed, err := r.client.ZRem(ctx, r.dueKey, key).Result()
		if err != nil {
			return out, fmt.Errorf("claim %s: %w", key, err)
		}
		if removed == 0 {
			continue // another poller took it
		}

		data, err := r.client.HGet(ctx, r.jobsKey, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load %s: %w", key, err)
		}
		r.client.HDel(ctx, r.jobsKey, key)

		var sj storedJob
		if err := json.Unmarshal([]byte(data), &sj); err != nil {
			return out, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, ports.ScheduledJob{Key: key, RunAt: sj.RunAt, Job: sj.Job})
	}
	return out, nil
}

// Ensure interface compliance.
var _ ports.JobScheduler = (*Redis)(nil)
