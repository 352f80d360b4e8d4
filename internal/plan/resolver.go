// Package plan resolves a tenant's effective plan from the current
// subscription and the reloadable plan catalog.
package plan

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subtrack/internal/cache"
	"github.com/smallbiznis/subtrack/internal/config"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrNoActivePlan = errors.New("no_active_plan")
	ErrPlanNotFound = errors.New("plan_not_found")
)

// Unlimited marks a feature with no quota.
const Unlimited int64 = -1

// Resolved is a tenant's effective plan snapshot.
type Resolved struct {
	Code     string
	Name     string
	Status   subscriptiondomain.Status
	Features []string
	Limits   map[string]int64
}

// HasFeature reports whether the plan includes the feature key.
func (p Resolved) HasFeature(feature string) bool {
	feature = strings.TrimSpace(feature)
	for _, f := range p.Features {
		if strings.EqualFold(f, feature) {
			return true
		}
	}
	return false
}

// LimitFor returns the quota for a feature. The second return is false when
// the plan defines no limit for the feature.
func (p Resolved) LimitFor(feature string) (int64, bool) {
	limit, ok := p.Limits[strings.TrimSpace(feature)]
	return limit, ok
}

// Resolver maps a tenant to its effective plan.
type Resolver interface {
	Resolve(ctx context.Context, tenantID snowflake.ID) (Resolved, error)
}

type resolver struct {
	log    *zap.Logger
	holder *config.BillingConfigHolder
	subsvc subscriptiondomain.Service
	cache  cache.PlanResolverCache
}

type ResolverParam struct {
	fx.In

	Log    *zap.Logger
	Holder *config.BillingConfigHolder
	Subsvc subscriptiondomain.Service
	Cache  cache.PlanResolverCache
}

func NewResolver(p ResolverParam) Resolver {
	return &resolver{
		log:    p.Log.Named("plan.resolver"),
		holder: p.Holder,
		subsvc: p.Subsvc,
		cache:  p.Cache,
	}
}

// Resolve implements Resolver. Tenants without a current subscription fall
// back to the configured fallback plan, or resolve to no plan at all.
func (r *resolver) Resolve(ctx context.Context, tenantID snowflake.ID) (Resolved, error) {
	if tenantID == 0 {
		return Resolved{}, ErrNoActivePlan
	}

	cfg := r.holder.Get()

	subscription, ok := r.cache.GetCurrentSubscription(tenantID.String())
	if !ok {
		current, err := r.subsvc.GetCurrentByTenantID(ctx, tenantID)
		if err != nil {
			if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
				return r.fallback(cfg)
			}
			return Resolved{}, err
		}
		subscription = current
		r.cache.SetCurrentSubscription(tenantID.String(), subscription)
	}

	planCfg, ok := findPlan(cfg, subscription.PlanCode)
	if !ok {
		r.log.Warn("subscription references unknown plan",
			zap.String("tenant_id", tenantID.String()),
			zap.String("plan_code", subscription.PlanCode),
		)
		return r.fallback(cfg)
	}

	return toResolved(planCfg, subscription.Status), nil
}

func (r *resolver) fallback(cfg config.BillingConfig) (Resolved, error) {
	if cfg.FallbackPlan == "" {
		return Resolved{}, ErrNoActivePlan
	}
	planCfg, ok := findPlan(cfg, cfg.FallbackPlan)
	if !ok {
		return Resolved{}, ErrPlanNotFound
	}
	return toResolved(planCfg, ""), nil
}

func findPlan(cfg config.BillingConfig, code string) (config.PlanConfig, bool) {
	code = strings.TrimSpace(code)
	for _, p := range cfg.Plans {
		if strings.EqualFold(p.Code, code) {
			return p, true
		}
	}
	return config.PlanConfig{}, false
}

func toResolved(p config.PlanConfig, status subscriptiondomain.Status) Resolved {
	return Resolved{
		Code:     p.Code,
		Name:     p.Name,
		Status:   status,
		Features: p.Features,
		Limits:   p.Limits,
	}
}
