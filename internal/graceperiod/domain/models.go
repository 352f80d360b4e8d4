// Package domain contains the grace period notification ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// GracePeriodNotification records that a warning for a given day threshold
// was claimed for a subscription. The unique (subscription_id, day_threshold)
// index is what makes warning delivery once-only across scheduler instances:
// the row is inserted before the notifier is called, and only the instance
// that wins the insert sends.
type GracePeriodNotification struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:idx_grace_notifications_subscription_day"`
	TenantID       snowflake.ID `gorm:"index"`
	DayThreshold   int          `gorm:"not null;uniqueIndex:idx_grace_notifications_subscription_day"`
	SentAt         time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GracePeriodNotification) TableName() string { return "grace_period_notifications" }
