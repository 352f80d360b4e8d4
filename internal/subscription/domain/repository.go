package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindByExternalIDForUpdate(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindCurrentByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, statuses []Status) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, status Status, limit int, cursor *snowflake.ID) ([]Subscription, error)

	// ClaimDueForGrace returns canceled subscriptions whose paid period has
	// lapsed, locked with SKIP LOCKED so concurrent scheduler instances
	// partition the batch.
	ClaimDueForGrace(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)

	// FindInGraceWindow returns subscriptions eligible for warning
	// notifications: canceled or in grace, with an end date set. Rows are
	// keyed by id ascending; pass the last seen id as afterID to resume.
	FindInGraceWindow(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Subscription, error)

	// ClaimDueForExpiry returns subscriptions whose grace window lapsed
	// before the cutoff.
	ClaimDueForExpiry(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Subscription, error)
}
