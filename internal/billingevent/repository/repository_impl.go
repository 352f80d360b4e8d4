package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingeventdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *billingeventdomain.WebhookEvent) (bool, error) {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, event_id, event_type, tenant_id, payload, processed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.TenantID,
		event.Payload,
		event.ProcessedAt,
		event.CreatedAt,
		event.UpdatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *repo) FindEvent(ctx context.Context, conn *gorm.DB, provider, eventID string) (*billingeventdomain.WebhookEvent, error) {
	var event billingeventdomain.WebhookEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, tenant_id, payload, processed_at, created_at, updated_at
		 FROM webhook_events
		 WHERE provider = ? AND event_id = ?`,
		provider,
		eventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, conn *gorm.DB, provider, eventID string, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processed_at = COALESCE(processed_at, ?), updated_at = ?
		 WHERE provider = ? AND event_id = ?`,
		at,
		at,
		provider,
		eventID,
	).Error
}

func (r *repo) DeleteEvent(ctx context.Context, conn *gorm.DB, provider, eventID string) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM webhook_events WHERE provider = ? AND event_id = ? AND processed_at IS NULL`,
		provider,
		eventID,
	).Error
}

func (r *repo) UpsertFailure(ctx context.Context, conn *gorm.DB, failure *billingeventdomain.FailedWebhookEvent) error {
	err := conn.WithContext(ctx).Exec(
		`INSERT INTO failed_webhook_events (
			id, provider, event_id, event_type, tenant_id, error, attempts, payload,
			resolved_at, last_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		failure.ID,
		failure.Provider,
		failure.EventID,
		failure.EventType,
		failure.TenantID,
		failure.Error,
		failure.Attempts,
		failure.Payload,
		failure.ResolvedAt,
		failure.LastAttemptAt,
		failure.CreatedAt,
		failure.UpdatedAt,
	).Error
	if err == nil {
		return nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return err
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE failed_webhook_events
		 SET error = ?, attempts = attempts + 1, resolved_at = NULL, last_attempt_at = ?, updated_at = ?
		 WHERE provider = ? AND event_id = ?`,
		failure.Error,
		failure.LastAttemptAt,
		failure.UpdatedAt,
		failure.Provider,
		failure.EventID,
	).Error
}

func (r *repo) FindFailedByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*billingeventdomain.FailedWebhookEvent, error) {
	var failure billingeventdomain.FailedWebhookEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, tenant_id, error, attempts, payload,
		 resolved_at, last_attempt_at, created_at, updated_at
		 FROM failed_webhook_events
		 WHERE id = ?`,
		id,
	).Scan(&failure).Error
	if err != nil {
		return nil, err
	}
	if failure.ID == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &failure, nil
}

func (r *repo) ResolveFailed(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE failed_webhook_events
		 SET resolved_at = COALESCE(resolved_at, ?), updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) ListFailed(ctx context.Context, conn *gorm.DB, provider string, unresolved bool, limit int, cursor *snowflake.ID) ([]billingeventdomain.FailedWebhookEvent, error) {
	query := `SELECT id, provider, event_id, event_type, tenant_id, error, attempts, payload,
		 resolved_at, last_attempt_at, created_at, updated_at
		 FROM failed_webhook_events
		 WHERE 1 = 1`
	args := []any{}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	if unresolved {
		query += ` AND resolved_at IS NULL`
	}
	if cursor != nil {
		query += ` AND id < ?`
		args = append(args, *cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var failures []billingeventdomain.FailedWebhookEvent
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&failures).Error; err != nil {
		return nil, err
	}
	return failures, nil
}

func (r *repo) ClaimFailedForRetry(ctx context.Context, conn *gorm.DB, limit int) ([]billingeventdomain.FailedWebhookEvent, error) {
	var failures []billingeventdomain.FailedWebhookEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, tenant_id, error, attempts, payload,
		 resolved_at, last_attempt_at, created_at, updated_at
		 FROM failed_webhook_events
		 WHERE resolved_at IS NULL
		 ORDER BY last_attempt_at ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		limit,
	).Scan(&failures).Error
	if err != nil {
		return nil, err
	}
	return failures, nil
}
