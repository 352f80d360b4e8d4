package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/clock"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Apply implements domain.Service. The row lock taken by
// FindByExternalIDForUpdate serializes concurrent events for the same
// subscription; events for different subscriptions proceed in parallel.
func (s *Service) Apply(ctx context.Context, event *billingeventdomain.BillingEvent) error {
	if event == nil || !event.Type.Valid() {
		return billingeventdomain.ErrInvalidEventType
	}
	if strings.TrimSpace(event.SubscriptionExternalID) == "" {
		return billingeventdomain.ErrInvalidPayload
	}
	if event.TenantID == 0 {
		return subscriptiondomain.ErrInvalidTenant
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByExternalIDForUpdate(ctx, tx, event.SubscriptionExternalID)
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}

		if subscription == nil {
			if event.Type != billingeventdomain.EventSubscriptionCreated {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return s.createFromEvent(ctx, tx, event)
		}

		if subscription.Status.Terminal() {
			return subscriptiondomain.ErrTerminalState
		}

		now := s.clock.Now()
		switch event.Type {
		case billingeventdomain.EventSubscriptionCreated:
			// Replay of a create for an existing row refreshes the plan
			// snapshot instead of failing.
			subscription.PlanCode = event.PlanCode
			subscription.CurrentPeriodEnd = event.CurrentPeriodEnd

		case billingeventdomain.EventSubscriptionUpdated:
			if event.PlanCode != "" {
				subscription.PlanCode = event.PlanCode
			}
			if event.CurrentPeriodEnd != nil {
				subscription.CurrentPeriodEnd = event.CurrentPeriodEnd
			}
			if event.CancelAtPeriodEnd {
				// Providers report scheduled cancellations as updates.
				if err := s.applyCanceled(subscription, event, now); err != nil {
					return err
				}
				break
			}
			if subscription.Status == subscriptiondomain.StatusTrialing && !event.Trial {
				subscription.Status = subscriptiondomain.StatusActive
				subscription.TrialEndsAt = nil
			}

		case billingeventdomain.EventSubscriptionCanceled:
			if err := s.applyCanceled(subscription, event, now); err != nil {
				return err
			}

		case billingeventdomain.EventPaymentFailed:
			if err := s.applyPaymentFailed(subscription); err != nil {
				return err
			}

		case billingeventdomain.EventPaymentSucceeded:
			if err := s.applyPaymentSucceeded(subscription, now); err != nil {
				return err
			}
		}

		occurredAt := event.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		subscription.LastEventAt = &occurredAt
		subscription.UpdatedAt = now

		return s.repo.Update(ctx, tx, subscription)
	})
}

func (s *Service) createFromEvent(ctx context.Context, tx *gorm.DB, event *billingeventdomain.BillingEvent) error {
	now := s.clock.Now()

	status := subscriptiondomain.StatusActive
	var trialEndsAt *time.Time
	if event.Trial {
		status = subscriptiondomain.StatusTrialing
		trialEndsAt = event.CurrentPeriodEnd
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	subscription := subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		TenantID:         event.TenantID,
		ExternalID:       event.SubscriptionExternalID,
		PlanCode:         event.PlanCode,
		Status:           status,
		TrialEndsAt:      trialEndsAt,
		CurrentPeriodEnd: event.CurrentPeriodEnd,
		LastEventAt:      &occurredAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	return s.repo.Insert(ctx, tx, &subscription)
}

func (s *Service) applyCanceled(subscription *subscriptiondomain.Subscription, event *billingeventdomain.BillingEvent, now time.Time) error {
	if subscription.Status == subscriptiondomain.StatusCanceled ||
		subscription.Status == subscriptiondomain.StatusGracePeriod {
		return nil
	}

	endsAt := event.CurrentPeriodEnd
	if endsAt == nil {
		endsAt = subscription.CurrentPeriodEnd
	}
	if endsAt == nil {
		return subscriptiondomain.ErrNoCurrentPeriodEnd
	}

	subscription.Status = subscriptiondomain.StatusCanceled
	subscription.EndsAt = endsAt
	subscription.CanceledAt = &now
	return nil
}

func (s *Service) applyPaymentFailed(subscription *subscriptiondomain.Subscription) error {
	switch subscription.Status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing:
		subscription.Status = subscriptiondomain.StatusPastDue
		return nil
	case subscriptiondomain.StatusPastDue:
		return nil
	default:
		return subscriptiondomain.ErrInvalidTransition
	}
}

func (s *Service) applyPaymentSucceeded(subscription *subscriptiondomain.Subscription, now time.Time) error {
	switch subscription.Status {
	case subscriptiondomain.StatusActive:
		return nil
	case subscriptiondomain.StatusTrialing, subscriptiondomain.StatusPastDue:
		subscription.Status = subscriptiondomain.StatusActive
		subscription.TrialEndsAt = nil
		return nil
	case subscriptiondomain.StatusCanceled:
		// Payment before the paid period lapses resumes the subscription.
		if subscription.EndsAt == nil || !now.Before(*subscription.EndsAt) {
			return subscriptiondomain.ErrInvalidTransition
		}
		subscription.Status = subscriptiondomain.StatusActive
		subscription.EndsAt = nil
		subscription.CanceledAt = nil
		return nil
	default:
		return subscriptiondomain.ErrInvalidTransition
	}
}

// Transition implements domain.Service.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, target subscriptiondomain.Status, reason subscriptiondomain.TransitionReason) error {
	if !isValidStatus(target) {
		return subscriptiondomain.ErrInvalidStatus
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}

		if subscription.Status == target {
			return nil
		}
		if subscription.Status.Terminal() {
			return subscriptiondomain.ErrTerminalState
		}
		if !isTransitionAllowed(subscription.Status, target) {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		from := subscription.Status
		subscription.Status = target
		subscription.UpdatedAt = now

		if err := s.repo.Update(ctx, tx, subscription); err != nil {
			return err
		}

		s.log.Info("subscription transitioned",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("reason", string(reason)),
		)
		return nil
	})
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return *item, nil
}

func (s *Service) GetByExternalID(ctx context.Context, externalID string) (subscriptiondomain.Subscription, error) {
	item, err := s.repo.FindByExternalID(ctx, s.db, strings.TrimSpace(externalID))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return *item, nil
}

// GetCurrentByTenantID implements domain.Service. Every non-expired status
// counts as current so past-due and grace-period tenants still resolve to
// their plan.
func (s *Service) GetCurrentByTenantID(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	statuses := []subscriptiondomain.Status{
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusGracePeriod,
	}

	item, err := s.repo.FindCurrentByTenantID(ctx, s.db, tenantID, statuses)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
		}
		return subscriptiondomain.Subscription{}, err
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	if req.TenantID == 0 {
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidTenant
	}

	statusFilter, err := parseStatusFilter(req.Status)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var cursor *snowflake.ID
	if req.PageToken != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		cursor = &id
	}

	items, err := s.repo.List(ctx, s.db, req.TenantID, statusFilter, int(pageSize)+1, cursor)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	resp := subscriptiondomain.ListSubscriptionResponse{}
	if len(items) > int(pageSize) {
		items = items[:pageSize]
		resp.HasMore = true
	}
	if len(items) > 0 && resp.HasMore {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: items[len(items)-1].ID.String(),
		})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	resp.Subscriptions = items

	return resp, nil
}

func (s *Service) InGraceWindow(ctx context.Context, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.FindInGraceWindow(ctx, s.db, afterID, limit)
}

func (s *Service) DueForGrace(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ClaimDueForGrace(ctx, s.db, now, limit)
}

func (s *Service) DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ClaimDueForExpiry(ctx, s.db, cutoff, limit)
}

func isValidStatus(status subscriptiondomain.Status) bool {
	switch status {
	case subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusGracePeriod,
		subscriptiondomain.StatusExpired:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.Status) bool {
	switch current {
	case subscriptiondomain.StatusCanceled:
		return target == subscriptiondomain.StatusGracePeriod || target == subscriptiondomain.StatusExpired
	case subscriptiondomain.StatusGracePeriod:
		return target == subscriptiondomain.StatusExpired
	default:
		return false
	}
}

func parseStatusFilter(value string) (subscriptiondomain.Status, error) {
	status := strings.ToUpper(strings.TrimSpace(value))
	if status == "" {
		return "", nil
	}

	parsed := subscriptiondomain.Status(status)
	if !isValidStatus(parsed) {
		return "", subscriptiondomain.ErrInvalidStatus
	}
	return parsed, nil
}
