// Package scheduler drives the daily subscription lifecycle pass: promoting
// lapsed cancellations into the grace period, sending grace warnings, expiring
// subscriptions whose grace window has lapsed and retrying failed webhook
// events. Every job is idempotent so concurrent instances can run the same
// pass without coordination; the notification ledger and per-row transitions
// absorb the overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/clock"
	"github.com/smallbiznis/subtrack/internal/config"
	graceperioddomain "github.com/smallbiznis/subtrack/internal/graceperiod/domain"
	"github.com/smallbiznis/subtrack/internal/notifier"
	obsmetrics "github.com/smallbiznis/subtrack/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	SubscriptionSvc  subscriptiondomain.Service
	BillingEventSvc  billingeventdomain.Service
	BillingEventRepo billingeventdomain.Repository
	GraceRepo        graceperioddomain.Repository
	Notifier         notifier.Notifier
	Holder           *config.BillingConfigHolder
	GenID            *snowflake.Node
	Clock            clock.Clock
	Metrics          *obsmetrics.Metrics `optional:"true"`
	Config           Config              `optional:"true"`
}

type Scheduler struct {
	db               *gorm.DB
	log              *zap.Logger
	cfg              Config
	genID            *snowflake.Node
	clock            clock.Clock
	subscriptionSvc  subscriptiondomain.Service
	billingEventSvc  billingeventdomain.Service
	billingEventRepo billingeventdomain.Repository
	graceRepo        graceperioddomain.Repository
	notifier         notifier.Notifier
	holder           *config.BillingConfigHolder
	metrics          *obsmetrics.Metrics
}

// runSummary aggregates the outcome of one full lifecycle pass.
type runSummary struct {
	notificationsSent    int
	subscriptionsExpired int
	errors               int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.SubscriptionSvc == nil || p.BillingEventSvc == nil ||
		p.BillingEventRepo == nil || p.GraceRepo == nil || p.Notifier == nil ||
		p.Holder == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:               p.DB,
		log:              p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:              cfg,
		genID:            p.GenID,
		clock:            p.Clock,
		subscriptionSvc:  p.SubscriptionSvc,
		billingEventSvc:  p.BillingEventSvc,
		billingEventRepo: p.BillingEventRepo,
		graceRepo:        p.GraceRepo,
		notifier:         p.Notifier,
		holder:           p.Holder,
		metrics:          p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled lifecycle job and emits a summary log.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	summary := &runSummary{}

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"promote_grace", s.isJobEnabled("promote_grace"), func(ctx context.Context) error {
			return s.runJob(ctx, "promote_grace", s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.PromoteGraceJob(ctx, summary)
			})
		}},
		{"grace_warnings", s.isJobEnabled("grace_warnings"), func(ctx context.Context) error {
			return s.runJob(ctx, "grace_warnings", s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.GraceWarningsJob(ctx, summary)
			})
		}},
		{"expire_subscriptions", s.isJobEnabled("expire_subscriptions"), func(ctx context.Context) error {
			return s.runJob(ctx, "expire_subscriptions", s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.ExpireSubscriptionsJob(ctx, summary)
			})
		}},
		{"reprocess_failed_events", s.isJobEnabled("reprocess_failed_events"), func(ctx context.Context) error {
			return s.runJob(ctx, "reprocess_failed_events", s.cfg.BatchSize, s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.ReprocessFailedEventsJob(ctx, summary)
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	s.log.Info("scheduler.run.summary",
		zap.Int("notificationsSent", summary.notificationsSent),
		zap.Int("subscriptionsExpired", summary.subscriptionsExpired),
		zap.Int("errors", summary.errors),
	)

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// PromoteGraceJob moves canceled subscriptions whose paid period has lapsed
// into GRACE_PERIOD. Transition is idempotent per row, so overlapping
// instances simply no-op on rows another instance already promoted.
func (s *Scheduler) PromoteGraceJob(ctx context.Context, summary *runSummary) error {
	ctx, run, owner := s.ensureJobRun(ctx, "promote_grace", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		subscriptions, err := s.subscriptionSvc.DueForGrace(ctx, now, s.cfg.BatchSize)
		if err != nil {
			summary.errors++
			s.logSchedulerError(ctx, run, "scheduler.subscription.claim.failed", "promote_grace", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subscriptions) == 0 {
			break
		}

		promoted := 0
		for _, subscription := range subscriptions {
			err := s.subscriptionSvc.Transition(ctx, subscription.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				summary.errors++
				schedMetrics.IncLifecycleError(obsmetrics.LifecycleStagePromoteGrace, err)
				s.logSchedulerError(ctx, run, "scheduler.subscription.promote.failed", "promote_grace", subscription.TenantID, err,
					zap.String("subscription_id", idString(subscription.ID)),
				)
				continue
			}
			promoted++
			run.AddProcessed(1)
			schedMetrics.IncSubscriptionTransition(
				string(subscriptiondomain.StatusCanceled),
				string(subscriptiondomain.StatusGracePeriod),
			)
		}

		if promoted == 0 {
			// Every remaining row failed; re-fetching would spin on them.
			break
		}
		schedMetrics.AddBatchProcessed("promote_grace", "subscriptions", promoted)
	}

	return jobErr
}

// GraceWarningsJob sends countdown warnings to subscriptions inside the grace
// window. The ledger insert happens before the send so that, across instances,
// a (subscription, day) slot is delivered at most once.
func (s *Scheduler) GraceWarningsJob(ctx context.Context, summary *runSummary) error {
	ctx, run, owner := s.ensureJobRun(ctx, "grace_warnings", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	billingCfg := s.holder.Get()
	graceWindow := time.Duration(billingCfg.GracePeriodDays) * 24 * time.Hour
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	var cursor snowflake.ID
	for {
		subscriptions, err := s.subscriptionSvc.InGraceWindow(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			summary.errors++
			s.logSchedulerError(ctx, run, "scheduler.subscription.claim.failed", "grace_warnings", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subscriptions) == 0 {
			break
		}

		for _, subscription := range subscriptions {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if subscription.EndsAt == nil {
				continue
			}
			expiresAt := subscription.EndsAt.Add(graceWindow)
			remaining := daysUntil(expiresAt, now)
			if !containsThreshold(billingCfg.WarningThresholds, remaining) {
				continue
			}

			note := &graceperioddomain.GracePeriodNotification{
				ID:             s.genID.Generate(),
				SubscriptionID: subscription.ID,
				TenantID:       subscription.TenantID,
				DayThreshold:   remaining,
				SentAt:         now,
			}
			inserted, err := s.graceRepo.InsertIfAbsent(ctx, s.db, note)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				summary.errors++
				schedMetrics.IncLifecycleError(obsmetrics.LifecycleStageGraceWarnings, err)
				s.logSchedulerError(ctx, run, "scheduler.grace.claim.failed", "grace_warnings", subscription.TenantID, err,
					zap.String("subscription_id", idString(subscription.ID)),
					zap.Int("day_threshold", remaining),
				)
				continue
			}
			if !inserted {
				// Another instance owns this (subscription, day) slot.
				continue
			}

			notification := s.buildNotification(subscription, remaining, expiresAt)
			if err := s.notifier.NotifyGraceWarning(ctx, notification); err != nil {
				jobErr = errors.Join(jobErr, err)
				summary.errors++
				schedMetrics.IncLifecycleError(obsmetrics.LifecycleStageGraceWarnings, err)
				s.logSchedulerError(ctx, run, "scheduler.grace.notify.failed", "grace_warnings", subscription.TenantID, err,
					zap.String("subscription_id", idString(subscription.ID)),
					zap.Int("day_threshold", remaining),
				)
				continue
			}

			summary.notificationsSent++
			run.AddProcessed(1)
			s.metrics.RecordGraceNotification(ctx, remaining)
		}

		// Warned rows stay in the window, so the cursor advances past them.
		cursor = subscriptions[len(subscriptions)-1].ID
		if len(subscriptions) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

// ExpireSubscriptionsJob moves subscriptions whose grace window has fully
// lapsed into the terminal EXPIRED state.
func (s *Scheduler) ExpireSubscriptionsJob(ctx context.Context, summary *runSummary) error {
	ctx, run, owner := s.ensureJobRun(ctx, "expire_subscriptions", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	billingCfg := s.holder.Get()
	graceWindow := time.Duration(billingCfg.GracePeriodDays) * 24 * time.Hour
	cutoff := now.Add(-graceWindow)
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		subscriptions, err := s.subscriptionSvc.DueForExpiry(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			summary.errors++
			s.logSchedulerError(ctx, run, "scheduler.subscription.claim.failed", "expire_subscriptions", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subscriptions) == 0 {
			break
		}

		expired := 0
		for _, subscription := range subscriptions {
			fromStatus := string(subscription.Status)
			err := s.subscriptionSvc.Transition(ctx, subscription.ID, subscriptiondomain.StatusExpired, subscriptiondomain.ReasonGracePeriodLapsed)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				summary.errors++
				schedMetrics.IncLifecycleError(obsmetrics.LifecycleStageExpire, err)
				s.logSchedulerError(ctx, run, "scheduler.subscription.expire.failed", "expire_subscriptions", subscription.TenantID, err,
					zap.String("subscription_id", idString(subscription.ID)),
				)
				continue
			}
			expired++
			summary.subscriptionsExpired++
			run.AddProcessed(1)
			schedMetrics.IncSubscriptionTransition(fromStatus, string(subscriptiondomain.StatusExpired))

			endsAt := now
			if subscription.EndsAt != nil {
				endsAt = subscription.EndsAt.Add(graceWindow)
			}
			if err := s.notifier.NotifyExpired(ctx, s.buildNotification(subscription, 0, endsAt)); err != nil {
				summary.errors++
				schedMetrics.IncLifecycleError(obsmetrics.LifecycleStageExpire, err)
				s.logSchedulerError(ctx, run, "scheduler.expire.notify.failed", "expire_subscriptions", subscription.TenantID, err,
					zap.String("subscription_id", idString(subscription.ID)),
				)
			}
		}

		if expired == 0 {
			break
		}
		schedMetrics.AddBatchProcessed("expire_subscriptions", "subscriptions", expired)
	}

	return jobErr
}

// ReprocessFailedEventsJob retries unresolved entries from the webhook
// failure ledger. Events that still fail keep their updated attempt count
// and wait for the next pass.
func (s *Scheduler) ReprocessFailedEventsJob(ctx context.Context, summary *runSummary) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reprocess_failed_events", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	failures, err := s.billingEventRepo.ClaimFailedForRetry(ctx, s.db, s.cfg.BatchSize)
	if err != nil {
		summary.errors++
		s.logSchedulerError(ctx, run, "scheduler.failed_events.claim.failed", "reprocess_failed_events", 0, err)
		return err
	}

	for _, failure := range failures {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.billingEventSvc.ReprocessFailed(ctx, failure.ID); err != nil {
			summary.errors++
			schedMetrics.IncLifecycleError(obsmetrics.LifecycleStageReprocess, err)
			s.logger(ctx).Warn("failed event reprocess deferred",
				zap.String("failed_event_id", idString(failure.ID)),
				zap.String("provider", failure.Provider),
				zap.Error(err),
			)
			continue
		}
		run.AddProcessed(1)
	}

	return jobErr
}

func (s *Scheduler) buildNotification(subscription subscriptiondomain.Subscription, daysRemaining int, endsAt time.Time) notifier.Notification {
	return notifier.Notification{
		TenantID:       subscription.TenantID,
		SubscriptionID: subscription.ID,
		PlanCode:       subscription.PlanCode,
		Email:          billingEmail(subscription),
		DaysRemaining:  daysRemaining,
		EndsAt:         endsAt,
	}
}

func billingEmail(subscription subscriptiondomain.Subscription) string {
	if subscription.Metadata == nil {
		return ""
	}
	if email, ok := subscription.Metadata["billing_email"].(string); ok {
		return strings.TrimSpace(email)
	}
	return ""
}

// daysUntil counts whole days left before expiry, rounding partial days up so
// a warning fires on the first pass inside the threshold day.
func daysUntil(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}

func containsThreshold(thresholds []int, day int) bool {
	for _, threshold := range thresholds {
		if threshold == day {
			return true
		}
	}
	return false
}
