// Package domain contains persistence models for tenant subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing    Status = "TRIALING"
	StatusActive      Status = "ACTIVE"
	StatusPastDue     Status = "PAST_DUE"
	StatusCanceled    Status = "CANCELED"
	StatusGracePeriod Status = "GRACE_PERIOD"
	StatusExpired     Status = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExpired
}

// Subscription tracks a tenant's billing agreement. Mutated only through
// the state machine; never hard-deleted so expired rows remain for audit.
type Subscription struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	TenantID         snowflake.ID      `gorm:"not null;index"`
	ExternalID       string            `gorm:"type:text;not null;uniqueIndex"`
	PlanCode         string            `gorm:"type:text;not null"`
	Status           Status            `gorm:"type:text;not null"`
	TrialEndsAt      *time.Time        `gorm:""`
	CurrentPeriodEnd *time.Time        `gorm:""`
	EndsAt           *time.Time        `gorm:""`
	CanceledAt       *time.Time        `gorm:""`
	LastEventAt      *time.Time        `gorm:""`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
