package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	graceperioddomain "github.com/smallbiznis/subtrack/internal/graceperiod/domain"
	"github.com/smallbiznis/subtrack/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() graceperioddomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, conn *gorm.DB, notification *graceperioddomain.GracePeriodNotification) (bool, error) {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO grace_period_notifications (
			id, subscription_id, tenant_id, day_threshold, sent_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		notification.ID,
		notification.SubscriptionID,
		notification.TenantID,
		notification.DayThreshold,
		notification.SentAt,
		notification.CreatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) ListBySubscription(ctx context.Context, conn *gorm.DB, subscriptionID snowflake.ID) ([]graceperioddomain.GracePeriodNotification, error) {
	var notifications []graceperioddomain.GracePeriodNotification
	err := conn.WithContext(ctx).Raw(
		`SELECT id, subscription_id, tenant_id, day_threshold, sent_at, created_at
		 FROM grace_period_notifications
		 WHERE subscription_id = ?
		 ORDER BY day_threshold DESC`,
		subscriptionID,
	).Scan(&notifications).Error
	if err != nil {
		return nil, err
	}
	return notifications, nil
}
