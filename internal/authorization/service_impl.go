package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubscription = "subscription"
	ObjectBillingEvent = "billing_event"
	ObjectLimits       = "limits"
)

const (
	ActionSubscriptionView       = "subscription.view"
	ActionSubscriptionTransition = "subscription.transition"

	ActionBillingEventView  = "billing_event.view"
	ActionBillingEventRetry = "billing_event.retry"

	ActionLimitsView = "limits.view"
)

const roleSuperAdmin = "super_admin"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenant
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(ctx, actor, tenantID)
	if err != nil {
		return err
	}

	domain := fmt.Sprintf("tenant:%s", tenantID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("actor", actor),
			zap.String("tenant_id", tenantID),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) IsSuperAdmin(ctx context.Context, actor string, tenantID string) bool {
	actor = strings.TrimSpace(actor)
	if actor == "system" {
		return true
	}
	if !strings.HasPrefix(actor, "user:") {
		return false
	}
	role, err := s.roleForActor(ctx, actor, tenantID)
	if err != nil {
		return false
	}
	return strings.EqualFold(role, roleSuperAdmin)
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, tenantID string) (string, string, error) {
	if actor == "system" {
		return actor, "role:system", nil
	}
	if strings.HasPrefix(actor, "api_key:") {
		apiKeyIDRaw := strings.TrimPrefix(actor, "api_key:")
		apiKeyID, err := snowflake.ParseString(apiKeyIDRaw)
		if err != nil || apiKeyID == 0 {
			return "", "", ErrInvalidActor
		}
		return actor, "role:system", nil
	}
	if strings.HasPrefix(actor, "user:") {
		role, err := s.roleForActor(ctx, actor, tenantID)
		if err != nil {
			return "", "", err
		}
		return actor, fmt.Sprintf("role:%s", strings.ToLower(role)), nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) roleForActor(ctx context.Context, actor string, tenantID string) (string, error) {
	userIDRaw := strings.TrimPrefix(actor, "user:")
	userID, err := snowflake.ParseString(userIDRaw)
	if err != nil || userID == 0 {
		return "", ErrInvalidActor
	}
	parsedTenantID, err := snowflake.ParseString(tenantID)
	if err != nil || parsedTenantID == 0 {
		return "", ErrInvalidTenant
	}

	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM tenant_members
		 WHERE tenant_id = ? AND user_id = ?
		 LIMIT 1`,
		parsedTenantID,
		userID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members see their own subscription state.
		{"role:member", ObjectSubscription, ActionSubscriptionView},
		{"role:member", ObjectLimits, ActionLimitsView},

		// Admins additionally inspect the failure ledger.
		{"role:admin", ObjectSubscription, ActionSubscriptionView},
		{"role:admin", ObjectLimits, ActionLimitsView},
		{"role:admin", ObjectBillingEvent, ActionBillingEventView},

		// Owners may retry failed events.
		{"role:owner", ObjectSubscription, ActionSubscriptionView},
		{"role:owner", ObjectLimits, ActionLimitsView},
		{"role:owner", ObjectBillingEvent, ActionBillingEventView},
		{"role:owner", ObjectBillingEvent, ActionBillingEventRetry},

		// Platform operators and automated processes.
		{"role:super_admin", ObjectSubscription, ActionSubscriptionView},
		{"role:super_admin", ObjectSubscription, ActionSubscriptionTransition},
		{"role:super_admin", ObjectBillingEvent, ActionBillingEventView},
		{"role:super_admin", ObjectBillingEvent, ActionBillingEventRetry},
		{"role:super_admin", ObjectLimits, ActionLimitsView},

		{"role:system", ObjectSubscription, ActionSubscriptionView},
		{"role:system", ObjectSubscription, ActionSubscriptionTransition},
		{"role:system", ObjectBillingEvent, ActionBillingEventView},
		{"role:system", ObjectBillingEvent, ActionBillingEventRetry},
		{"role:system", ObjectLimits, ActionLimitsView},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
