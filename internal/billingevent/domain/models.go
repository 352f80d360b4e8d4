// Package domain contains persistence models for the webhook event ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType enumerates the normalized billing event types this system applies.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPaymentFailed        EventType = "invoice.payment_failed"
	EventPaymentSucceeded     EventType = "invoice.payment_succeeded"
)

// Valid reports whether the event type is one this system knows how to apply.
func (t EventType) Valid() bool {
	switch t {
	case EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionCanceled,
		EventPaymentFailed,
		EventPaymentSucceeded:
		return true
	}
	return false
}

// BillingEvent is the provider-agnostic event produced by an adapter.
// Immutable once parsed.
type BillingEvent struct {
	ID                     string
	Provider               string
	Type                   EventType
	TenantID               snowflake.ID
	SubscriptionExternalID string
	PlanCode               string
	Trial                  bool
	CancelAtPeriodEnd      bool
	CurrentPeriodEnd       *time.Time
	OccurredAt             time.Time
	RawPayload             []byte
}

// WebhookEvent is the durable dedup ledger. A row exists for every event
// accepted for processing; ProcessedAt marks completion.
type WebhookEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Provider    string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event"`
	EventType   string         `gorm:"type:text;not null"`
	TenantID    snowflake.ID   `gorm:"index"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	ProcessedAt *time.Time     `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// FailedWebhookEvent records events whose parsing or application failed.
// Never silently dropped; retried by the reprocessing path.
type FailedWebhookEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	Provider      string         `gorm:"type:text;not null;uniqueIndex:idx_failed_webhook_events_provider_event"`
	EventID       string         `gorm:"type:text;not null;uniqueIndex:idx_failed_webhook_events_provider_event"`
	EventType     string         `gorm:"type:text"`
	TenantID      snowflake.ID   `gorm:"index"`
	Error         string         `gorm:"type:text;not null"`
	Attempts      int            `gorm:"not null;default:1"`
	Payload       datatypes.JSON `gorm:"type:jsonb"`
	ResolvedAt    *time.Time     `gorm:""`
	LastAttemptAt time.Time      `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FailedWebhookEvent) TableName() string { return "failed_webhook_events" }
