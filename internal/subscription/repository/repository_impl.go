package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, tenant_id, external_id, plan_code, status, trial_ends_at,
	 current_period_end, ends_at, canceled_at, last_event_at, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, external_id, plan_code, status, trial_ends_at, current_period_end,
			ends_at, canceled_at, last_event_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.ExternalID,
		subscription.PlanCode,
		subscription.Status,
		subscription.TrialEndsAt,
		subscription.CurrentPeriodEnd,
		subscription.EndsAt,
		subscription.CanceledAt,
		subscription.LastEventAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_code = ?, status = ?, trial_ends_at = ?, current_period_end = ?, ends_at = ?,
		     canceled_at = ?, last_event_at = ?, metadata = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PlanCode,
		subscription.Status,
		subscription.TrialEndsAt,
		subscription.CurrentPeriodEnd,
		subscription.EndsAt,
		subscription.CanceledAt,
		subscription.LastEventAt,
		subscription.Metadata,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &subscription, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = ?`,
		externalID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &subscription, nil
}

func (r *repo) FindByExternalIDForUpdate(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = ? FOR UPDATE`,
		externalID,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &subscription, nil
}

func (r *repo) FindCurrentByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, statuses []subscriptiondomain.Status) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = ? AND status IN (?)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID,
		statuses,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &subscription, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status subscriptiondomain.Status, limit int, cursor *snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if cursor != nil {
		query += ` AND id < ?`
		args = append(args, *cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var subscriptions []subscriptiondomain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ClaimDueForGrace(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND ends_at IS NOT NULL AND ends_at < ?
		 ORDER BY ends_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.StatusCanceled,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) FindInGraceWindow(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status IN (?, ?) AND ends_at IS NOT NULL AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusGracePeriod,
		afterID,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ClaimDueForExpiry(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status IN (?, ?) AND ends_at IS NOT NULL AND ends_at < ?
		 ORDER BY ends_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusGracePeriod,
		cutoff,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}
