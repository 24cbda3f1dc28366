package app

import (
	"context"
	"errors"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned for jobs of an unregistered kind.
var ErrUnknownJob = errors.New("unknown job kind")

// JobHandler runs one scheduled job.
type JobHandler func(ctx context.Context, job ports.Job) error

// JobRunner dispatches scheduled jobs to the billing services.
type JobRunner struct {
	handlers map[string]JobHandler
	metrics  Metrics
	logger   zerolog.Logger
}

// NewJobRunner wires the job kinds to their operations.
func NewJobRunner(subs *SubscriptionService, retries *RetryEngine, dunningSvc *DunningService, metrics Metrics, logger zerolog.Logger) *JobRunner {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	r := &JobRunner{
		handlers: make(map[string]JobHandler),
		metrics:  metrics,
		logger:   logger.With().Str("component", "jobs").Logger(),
	}

	r.Handle(JobRetryAttempt, func(ctx context.Context, job ports.Job) error {
		_, err := retries.AttemptPayment(ctx, job.Payload[payloadInvoiceID])
		return err
	})
	r.Handle(JobDunningSend, func(ctx context.Context, job ports.Job) error {
		level, err := dunningJobLevel(job)
		if err != nil {
			return err
		}
		_, err = dunningSvc.SendDunningEmail(ctx, job.Payload[payloadInvoiceID], level)
		return err
	})
	r.Handle(JobResume, func(ctx context.Context, job ports.Job) error {
		_, err := subs.Resume(ctx, job.Payload[payloadSubscription], ResumeOptions{SendEmail: true, Actor: "system:scheduler"})
		return err
	})
	r.Handle(JobFinalizeCancel, func(ctx context.Context, job ports.Job) error {
		return subs.FinalizeCancellation(ctx, job.Payload[payloadSubscription])
	})
	r.Handle(JobApplyPlanChange, func(ctx context.Context, job ports.Job) error {
		return subs.ApplyScheduledPlanChange(ctx, job.Payload[payloadSubscription])
	})
	return r
}

// Handle registers a handler for kind, replacing any existing one.
func (r *JobRunner) Handle(kind string, h JobHandler) {
	r.handlers[kind] = h
}

// Run executes a job. It reports skipped for jobs whose target has moved on.
// Handler errors are returned as is; callers attach the job key.
func (r *JobRunner) Run(ctx context.Context, job ports.ScheduledJob) (skipped bool, err error) {
	h, ok := r.handlers[job.Job.Kind]
	if !ok {
		r.logger.Warn().Str("key", job.Key).Str("kind", job.Job.Kind).Msg("dropping job of unknown kind")
		r.metrics.Dispatched(job.Job.Kind, ErrUnknownJob)
		return true, nil
	}

	err = h(ctx, job.Job)
	if isStale(err) {
		r.logger.Info().Err(err).Str("key", job.Key).Str("kind", job.Job.Kind).Msg("job skipped")
		r.metrics.Dispatched(job.Job.Kind, nil)
		return true, nil
	}
	r.metrics.Dispatched(job.Job.Kind, err)
	return false, err
}

// isStale reports errors meaning the job's target already moved on.
func isStale(err error) bool {
	return errors.Is(err, billing.ErrInvalidState) ||
		errors.Is(err, billing.ErrAlreadyCancelled) ||
		errors.Is(err, billing.ErrInvoiceAlreadyPaid) ||
		errors.Is(err, billing.ErrRetryClaimed) ||
		errors.Is(err, billing.ErrNoScheduledRetry) ||
		errors.Is(err, billing.ErrNotDue) ||
		errors.Is(err, billing.ErrSubscriptionNotFound) ||
		errors.Is(err, billing.ErrInvoiceNotFound)
}
