package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Source reports a tenant's current consumption per feature. Implementations
// must be cheap enough to sit on the request path of limit enforcement.
type Source interface {
	Count(ctx context.Context, tenantID snowflake.ID, feature string) (int64, error)

	// Snapshot returns all per-feature counts for a tenant in one read.
	Snapshot(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error)
}

type Repository interface {
	SumByFeature(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, feature string) (int64, error)
	SnapshotByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (map[string]int64, error)
}
