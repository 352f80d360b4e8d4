package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists webhook events and the failure ledger. The dedup write
// is a single atomic insert against the unique (provider, event_id) index,
// never a read followed by a write.
type Repository interface {
	// InsertEvent inserts the dedup row. Returns inserted=false when the
	// (provider, event_id) pair already exists.
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, provider, eventID string, at time.Time) error
	DeleteEvent(ctx context.Context, db *gorm.DB, provider, eventID string) error

	UpsertFailure(ctx context.Context, db *gorm.DB, failure *FailedWebhookEvent) error
	FindFailedByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*FailedWebhookEvent, error)
	ResolveFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	ListFailed(ctx context.Context, db *gorm.DB, provider string, unresolved bool, limit int, cursor *snowflake.ID) ([]FailedWebhookEvent, error)
	ClaimFailedForRetry(ctx context.Context, db *gorm.DB, limit int) ([]FailedWebhookEvent, error)
}
