package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIfAbsent claims the (subscription_id, day_threshold) slot.
	// Returns inserted=false when another instance already claimed it.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, notification *GracePeriodNotification) (bool, error)

	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]GracePeriodNotification, error)
}
