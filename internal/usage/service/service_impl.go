package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/subtrack/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo usagedomain.Repository
}

type ServiceParam struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo usagedomain.Repository
}

// NewService returns the database-backed usage source.
func NewService(p ServiceParam) usagedomain.Source {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *Service) Count(ctx context.Context, tenantID snowflake.ID, feature string) (int64, error) {
	return s.repo.SumByFeature(ctx, s.db, tenantID, strings.TrimSpace(feature))
}

func (s *Service) Snapshot(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error) {
	return s.repo.SnapshotByTenant(ctx, s.db, tenantID)
}
