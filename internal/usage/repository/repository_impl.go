package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/subtrack/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) SumByFeature(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID, feature string) (int64, error) {
	var total int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM tenant_resources
		 WHERE tenant_id = ? AND resource_type = ?`,
		tenantID,
		feature,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) SnapshotByTenant(ctx context.Context, conn *gorm.DB, tenantID snowflake.ID) (map[string]int64, error) {
	var rows []struct {
		ResourceType string `gorm:"column:resource_type"`
		Total        int64  `gorm:"column:total"`
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT resource_type, COALESCE(SUM(quantity), 0) AS total
		 FROM tenant_resources
		 WHERE tenant_id = ?
		 GROUP BY resource_type`,
		tenantID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]int64, len(rows))
	for _, row := range rows {
		snapshot[row.ResourceType] = row.Total
	}
	return snapshot, nil
}
