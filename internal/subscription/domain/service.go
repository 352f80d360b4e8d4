package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrTerminalState        = errors.New("terminal_state")
	ErrNoCurrentPeriodEnd   = errors.New("no_current_period_end")
)

// TransitionReason tags synthetic transitions driven by the scheduler.
type TransitionReason string

const (
	ReasonGracePeriodStarted TransitionReason = "grace_period_started"
	ReasonGracePeriodLapsed  TransitionReason = "grace_period_lapsed"
)

type ListSubscriptionRequest struct {
	TenantID  snowflake.ID
	Status    string
	PageToken string
	PageSize  int32
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// Service owns every subscription mutation. Webhook-driven transitions go
// through Apply; time-driven ones through Transition.
type Service interface {
	// Apply transitions the subscription for a normalized billing event.
	// Serialized per subscription with a row lock; safe for concurrent
	// events targeting different subscriptions.
	Apply(ctx context.Context, event *billingeventdomain.BillingEvent) error

	// Transition moves a subscription to a target status outside of event
	// processing. Subject to the same terminal-state rule as Apply.
	Transition(ctx context.Context, id snowflake.ID, target Status, reason TransitionReason) error

	GetByID(ctx context.Context, id snowflake.ID) (Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (Subscription, error)

	// GetCurrentByTenantID returns the tenant's non-expired subscription,
	// used for plan resolution at the request boundary.
	GetCurrentByTenantID(ctx context.Context, tenantID snowflake.ID) (Subscription, error)

	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)

	// InGraceWindow lists subscriptions eligible for warning notifications,
	// ordered by id. Callers page through the window by passing the last
	// seen id as afterID; zero starts from the beginning.
	InGraceWindow(ctx context.Context, afterID snowflake.ID, limit int) ([]Subscription, error)

	// DueForGrace lists canceled subscriptions whose paid period lapsed.
	DueForGrace(ctx context.Context, now time.Time, limit int) ([]Subscription, error)

	// DueForExpiry lists subscriptions whose grace window lapsed before cutoff.
	DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error)
}
