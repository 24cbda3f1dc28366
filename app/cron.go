package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/artpar/billingd/domain/billing"
	"github.com/artpar/billingd/ports"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Cron job names.
const (
	CronProcessRetries        = "process_retries"
	CronCheckDunning          = "check_dunning"
	CronCheckExpiryWarnings   = "check_expiry_warnings"
	CronProcessRenewals       = "process_renewals"
	CronDispatchJobs          = "dispatch_jobs"
	CronFinalizeCancellations = "finalize_cancellations"
	CronApplyScheduled        = "apply_scheduled_changes"
)

// ErrUnknownCronJob is returned by Run for an unknown job name.
var ErrUnknownCronJob = errors.New("unknown cron job")

// expiryThresholds are the days before renewal at which a warning is sent.
var expiryThresholds = []int{1, 3, 7}

// CronConfig tunes the batch entry points.
type CronConfig struct {
	RetryBatch       int
	DunningBatch     int
	ExpiryBatch      int
	RenewalBatch     int
	JobBatch         int
	RenewalTolerance time.Duration
	// JobRetryBackoff is the delay before a failed job runs again. It
	// doubles with every failure of the same job.
	JobRetryBackoff time.Duration
	// JobMaxAttempts bounds how often a failing job is requeued.
	JobMaxAttempts int
}

// DefaultCronConfig returns the production defaults.
func DefaultCronConfig() CronConfig {
	return CronConfig{
		RetryBatch:       50,
		DunningBatch:     100,
		ExpiryBatch:      500,
		RenewalBatch:     500,
		JobBatch:         100,
		RenewalTolerance: 24 * time.Hour,
		JobRetryBackoff:  5 * time.Minute,
		JobMaxAttempts:   5,
	}
}

// CronService exposes the idempotent entry points a clock drives.
// Overlapping runs of the same job in one process share a single execution.
type CronService struct {
	subscriptions ports.SubscriptionStore
	invoices      ports.InvoiceStore
	history       ports.HistoryStore
	warnings      ports.ExpiryWarningStore
	plans         ports.PlanCatalog
	scheduler     ports.JobScheduler
	retries       *RetryEngine
	dunning       *DunningService
	subs          *SubscriptionService
	runner        *JobRunner
	clock         ports.Clock
	ids           ports.IDGenerator
	events        Publisher
	mailer        *Mailer
	metrics       Metrics
	config        CronConfig
	group         singleflight.Group
	tracer        trace.Tracer
	logger        zerolog.Logger
}

// NewCronService creates the orchestrator.
func NewCronService(d Deps, retries *RetryEngine, dunningSvc *DunningService, subs *SubscriptionService, runner *JobRunner, config CronConfig) *CronService {
	def := DefaultCronConfig()
	if config.RetryBatch <= 0 {
		config.RetryBatch = def.RetryBatch
	}
	if config.DunningBatch <= 0 {
		config.DunningBatch = def.DunningBatch
	}
	if config.ExpiryBatch <= 0 {
		config.ExpiryBatch = def.ExpiryBatch
	}
	if config.RenewalBatch <= 0 {
		config.RenewalBatch = def.RenewalBatch
	}
	if config.JobBatch <= 0 {
		config.JobBatch = def.JobBatch
	}
	if config.RenewalTolerance <= 0 {
		config.RenewalTolerance = def.RenewalTolerance
	}
	if config.JobRetryBackoff <= 0 {
		config.JobRetryBackoff = def.JobRetryBackoff
	}
	if config.JobMaxAttempts <= 0 {
		config.JobMaxAttempts = def.JobMaxAttempts
	}
	return &CronService{
		subscriptions: d.Subscriptions,
		invoices:      d.Invoices,
		history:       d.History,
		warnings:      d.Warnings,
		plans:         d.Plans,
		scheduler:     d.Scheduler,
		retries:       retries,
		dunning:       dunningSvc,
		subs:          subs,
		runner:        runner,
		clock:         d.Clock,
		ids:           d.IDs,
		events:        d.events(),
		mailer:        d.Mailer,
		metrics:       d.metrics(),
		config:        config,
		tracer:        otel.Tracer("github.com/artpar/billingd/app"),
		logger:        d.Logger.With().Str("component", "cron").Logger(),
	}
}

// Run executes a job by name. Short aliases used by the CLI are accepted.
func (c *CronService) Run(ctx context.Context, name string) (BatchResult, error) {
	switch name {
	case CronProcessRetries, "retries":
		return c.ProcessRetries(ctx)
	case CronCheckDunning, "dunning":
		return c.CheckDunning(ctx)
	case CronCheckExpiryWarnings, "expiry":
		return c.CheckExpiryWarnings(ctx)
	case CronProcessRenewals, "renewals":
		return c.ProcessRenewals(ctx)
	case CronDispatchJobs, "jobs":
		return c.DispatchJobs(ctx)
	case CronFinalizeCancellations, "cancellations":
		return c.FinalizeCancellations(ctx)
	case CronApplyScheduled, "scheduled":
		return c.ApplyScheduledChanges(ctx)
	}
	return BatchResult{Job: name}, fmt.Errorf("%w: %s", ErrUnknownCronJob, name)
}

// ProcessRetries attempts every due payment retry.
func (c *CronService) ProcessRetries(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronProcessRetries, func(ctx context.Context) (BatchResult, error) {
		return c.retries.ProcessRetryQueue(ctx, c.config.RetryBatch)
	})
}

// CheckDunning sends the dunning levels missed by the scheduler.
func (c *CronService) CheckDunning(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronCheckDunning, func(ctx context.Context) (BatchResult, error) {
		return c.dunning.ProcessDunningQueue(ctx, c.config.DunningBatch)
	})
}

// CheckExpiryWarnings warns subscribers 7, 3 and 1 days before renewal,
// once per threshold and renewal.
func (c *CronService) CheckExpiryWarnings(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronCheckExpiryWarnings, func(ctx context.Context) (BatchResult, error) {
		var result BatchResult
		now := c.clock.Now()
		horizon := now.AddDate(0, 0, expiryThresholds[len(expiryThresholds)-1]+1)
		subs, err := c.subscriptions.List(ctx, ports.SubscriptionFilter{
			Statuses:      []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
			RenewalAfter:  &now,
			RenewalBefore: &horizon,
			Limit:         c.config.ExpiryBatch,
		})
		if err != nil {
			return result, err
		}

		for _, sub := range subs {
			result.Processed++
			days := billing.WholeDaysBetween(now, sub.NextRenewalAt)
			threshold, ok := expiryThreshold(days)
			if !ok {
				result.Skipped++
				continue
			}

			err := c.warnings.MarkSent(ctx, sub.ID, sub.NextRenewalAt, threshold, now)
			if errors.Is(err, ports.ErrDuplicate) {
				result.Skipped++
				continue
			}
			if err != nil {
				result.fail(sub.ID, err)
				continue
			}

			c.mailer.Notify(ctx, sub.UserID, MailExpiryWarning, MailData{
				PlanName:  c.planName(ctx, sub.PlanKey),
				Date:      formatDate(sub.NextRenewalAt),
				DaysUntil: max(days, 1),
			})
			result.Succeeded++
		}
		return result, nil
	})
}

// expiryThreshold returns the smallest threshold not below days.
func expiryThreshold(days int) (int, bool) {
	i := sort.SearchInts(expiryThresholds, days)
	if i == len(expiryThresholds) {
		return 0, false
	}
	return expiryThresholds[i], true
}

// ProcessRenewals flags active subscriptions whose renewal passed beyond the
// tolerance without a paid invoice covering it. It never charges.
func (c *CronService) ProcessRenewals(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronProcessRenewals, func(ctx context.Context) (BatchResult, error) {
		var result BatchResult
		now := c.clock.Now()
		cutoff := now.Add(-c.config.RenewalTolerance)
		subs, err := c.subscriptions.List(ctx, ports.SubscriptionFilter{
			Statuses:      []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
			RenewalBefore: &cutoff,
			Limit:         c.config.RenewalBatch,
		})
		if err != nil {
			return result, err
		}

		for _, sub := range subs {
			result.Processed++
			renewal := sub.NextRenewalAt
			paid, err := c.invoices.List(ctx, ports.InvoiceFilter{
				SubscriptionID: sub.ID,
				Statuses:       []billing.InvoiceStatus{billing.InvoiceStatusPaid},
				PeriodEndFrom:  &renewal,
				Limit:          1,
			})
			if err != nil {
				result.fail(sub.ID, err)
				continue
			}
			if len(paid) > 0 {
				result.Skipped++
				continue
			}

			if err := c.markOverdue(ctx, sub, now); err != nil {
				if errors.Is(err, billing.ErrInvalidState) {
					result.Skipped++
					continue
				}
				result.fail(sub.ID, err)
				continue
			}
			result.Succeeded++
		}
		return result, nil
	})
}

func (c *CronService) markOverdue(ctx context.Context, sub billing.Subscription, now time.Time) error {
	var stale bool
	updated, err := mutateSubscription(ctx, c.subscriptions, sub.ID, func(s *billing.Subscription) bool {
		if s.Status != billing.SubscriptionStatusActive {
			stale = true
			return false
		}
		s.Status = billing.SubscriptionStatusOverdue
		s.UpdatedAt = now
		return true
	})
	if err != nil {
		return err
	}
	if stale {
		return &billing.StateError{Op: "mark overdue", Status: updated.Status}
	}

	if err := c.history.Append(ctx, billing.HistoryEntry{
		ID:             c.ids.New(),
		SubscriptionID: sub.ID,
		Action:         billing.ActionMarkedOverdue,
		Before:         map[string]string{"status": string(sub.Status)},
		After:          map[string]string{"status": string(updated.Status), "next_renewal_at": sub.NextRenewalAt.Format(time.RFC3339)},
		Actor:          "system:renewals",
		CreatedAt:      now,
	}); err != nil {
		c.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to record history")
	}
	c.metrics.Transition(string(billing.ActionMarkedOverdue))
	c.events.Publish(ctx, billing.EventSubscriptionOverdue, billing.SubscriptionEvent{
		Subscription: updated,
		Action:       billing.ActionMarkedOverdue,
	})
	c.logger.Warn().
		Str("subscription_id", sub.ID).
		Time("next_renewal_at", sub.NextRenewalAt).
		Msg("subscription overdue")
	return nil
}

// DispatchJobs runs the scheduler jobs that are due. A job that fails is
// queued again with a growing delay until JobMaxAttempts is reached.
func (c *CronService) DispatchJobs(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronDispatchJobs, func(ctx context.Context) (BatchResult, error) {
		var result BatchResult
		now := c.clock.Now()
		// Jobs claimed before a partial failure are already off the queue.
		due, dueErr := c.scheduler.Due(ctx, now, c.config.JobBatch)
		for _, job := range due {
			result.Processed++
			skipped, err := c.runner.Run(ctx, job)
			switch {
			case err != nil:
				result.fail(job.Key, err)
				c.requeue(ctx, job, now)
			case skipped:
				result.Skipped++
			default:
				result.Succeeded++
			}
		}
		return result, dueErr
	})
}

// requeue puts a failed job back on the queue with exponential backoff.
func (c *CronService) requeue(ctx context.Context, job ports.ScheduledJob, now time.Time) {
	attempt, _ := strconv.Atoi(job.Job.Payload[payloadDispatchAttempt])
	attempt++
	if attempt >= c.config.JobMaxAttempts {
		c.logger.Error().
			Str("key", job.Key).
			Str("kind", job.Job.Kind).
			Int("attempts", attempt).
			Msg("giving up on job, catch-up jobs take over")
		return
	}

	payload := make(map[string]string, len(job.Job.Payload)+1)
	for k, v := range job.Job.Payload {
		payload[k] = v
	}
	payload[payloadDispatchAttempt] = strconv.Itoa(attempt)
	at := now.Add(c.config.JobRetryBackoff << (attempt - 1))

	if err := c.scheduler.ScheduleAt(ctx, at, job.Key, ports.Job{Kind: job.Job.Kind, Payload: payload}); err != nil {
		c.logger.Error().Err(err).Str("key", job.Key).Msg("failed to requeue job")
		return
	}
	c.logger.Warn().Str("key", job.Key).Int("attempt", attempt).Time("run_at", at).Msg("job requeued")
}

// FinalizeCancellations cancels subscriptions whose grace period ended. It
// catches up on finalizer jobs the scheduler lost.
func (c *CronService) FinalizeCancellations(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronFinalizeCancellations, func(ctx context.Context) (BatchResult, error) {
		var result BatchResult
		now := c.clock.Now()
		subs, err := c.subscriptions.List(ctx, ports.SubscriptionFilter{
			Statuses:      []billing.SubscriptionStatus{billing.SubscriptionStatusCancelling},
			ExpiresBefore: &now,
			Limit:         c.config.RenewalBatch,
		})
		if err != nil {
			return result, err
		}
		for _, sub := range subs {
			result.Processed++
			err := c.subs.FinalizeCancellation(ctx, sub.ID)
			switch {
			case errors.Is(err, billing.ErrInvalidState), errors.Is(err, billing.ErrNotDue):
				result.Skipped++
			case err != nil:
				result.fail(sub.ID, err)
			default:
				if err := c.scheduler.Cancel(ctx, finalizeCancelKey(sub.ID)); err != nil {
					c.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to drop finalizer job")
				}
				result.Succeeded++
			}
		}
		return result, nil
	})
}

// ApplyScheduledChanges resumes paused subscriptions whose resume date
// passed and applies plan changes that came due. It catches up on resume
// and plan change jobs the scheduler lost.
func (c *CronService) ApplyScheduledChanges(ctx context.Context) (BatchResult, error) {
	return c.run(ctx, CronApplyScheduled, func(ctx context.Context) (BatchResult, error) {
		var result BatchResult
		now := c.clock.Now()

		paused, err := c.subscriptions.List(ctx, ports.SubscriptionFilter{
			Statuses:    []billing.SubscriptionStatus{billing.SubscriptionStatusPaused},
			MetadataKey: billing.MetaResumeAt,
			Limit:       c.config.RenewalBatch,
		})
		if err != nil {
			return result, err
		}
		for _, sub := range paused {
			if at := sub.ResumeAt(); at == nil || at.After(now) {
				continue
			}
			result.Processed++
			_, err := c.subs.Resume(ctx, sub.ID, ResumeOptions{SendEmail: true, Actor: "system:catchup"})
			c.tally(&result, sub.ID, err)
		}

		pending, err := c.subscriptions.List(ctx, ports.SubscriptionFilter{
			Statuses:    []billing.SubscriptionStatus{billing.SubscriptionStatusActive},
			MetadataKey: billing.MetaScheduledPlanChange,
			Limit:       c.config.RenewalBatch,
		})
		if err != nil {
			return result, err
		}
		for _, sub := range pending {
			change, ok := sub.PendingPlanChange()
			if !ok || change.EffectiveAt.After(now) {
				continue
			}
			result.Processed++
			err := c.subs.ApplyScheduledPlanChange(ctx, sub.ID)
			if err == nil {
				if err := c.scheduler.Cancel(ctx, planChangeKey(sub.ID)); err != nil {
					c.logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to drop plan change job")
				}
			}
			c.tally(&result, sub.ID, err)
		}
		return result, nil
	})
}

func (c *CronService) tally(result *BatchResult, id string, err error) {
	switch {
	case err == nil:
		result.Succeeded++
	case isStale(err):
		result.Skipped++
	default:
		result.fail(id, err)
	}
}

func (c *CronService) run(ctx context.Context, job string, fn func(context.Context) (BatchResult, error)) (BatchResult, error) {
	v, err, shared := c.group.Do(job, func() (any, error) {
		ctx, span := c.tracer.Start(ctx, "cron."+job)
		defer span.End()

		started := time.Now()
		result, err := fn(ctx)
		result.Job = job
		elapsed := time.Since(started)

		span.SetAttributes(
			attribute.Int("billing.processed", result.Processed),
			attribute.Int("billing.succeeded", result.Succeeded),
			attribute.Int("billing.failed", result.Failed),
			attribute.Int("billing.skipped", result.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.ObserveJob(job, elapsed, result.Succeeded, result.Failed, result.Skipped, err)

		ev := c.logger.Info()
		if err != nil || result.Failed > 0 {
			ev = c.logger.Warn().Err(err)
		}
		ev.Str("job", job).
			Int("processed", result.Processed).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Dur("duration", elapsed).
			Msg("cron job finished")
		return result, err
	})
	if shared {
		c.logger.Debug().Str("job", job).Msg("joined running cron job")
	}
	result, _ := v.(BatchResult)
	return result, err
}

func (c *CronService) planName(ctx context.Context, key string) string {
	plan, err := c.plans.Get(ctx, key)
	if err != nil || plan.Name == "" {
		return key
	}
	return plan.Name
}
