// Package limits decides whether a request may consume a plan-limited
// feature.
package limits

import (
	"context"
	"errors"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subtrack/internal/config"
	obsmetrics "github.com/smallbiznis/subtrack/internal/observability/metrics"
	"github.com/smallbiznis/subtrack/internal/plan"
	usagedomain "github.com/smallbiznis/subtrack/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ReasonNoActivePlan       = "no_active_plan"
	ReasonFeatureNotIncluded = "feature_not_included"
	ReasonLimitExceeded      = "limit_exceeded"
	ReasonUsageUnavailable   = "usage_unavailable"
	ReasonPlanUnresolved     = "plan_unresolved"
)

// CheckRequest carries the request attributes the enforcer needs. Route is
// the matched route pattern, not the raw URL path.
type CheckRequest struct {
	TenantID   snowflake.ID
	Method     string
	Route      string
	SuperAdmin bool
}

// Decision is the enforcement verdict. Feature is empty when the route is
// not mapped to a limited feature.
type Decision struct {
	Allowed    bool
	Feature    string
	Reason     string
	UpgradeURL string
}

func allow(feature string) Decision {
	return Decision{Allowed: true, Feature: feature}
}

type Enforcer struct {
	log     *zap.Logger
	holder  *config.BillingConfigHolder
	plans   plan.Resolver
	usage   usagedomain.Source
	metrics *obsmetrics.Metrics
}

type EnforcerParam struct {
	fx.In

	Log     *zap.Logger
	Holder  *config.BillingConfigHolder
	Plans   plan.Resolver
	Usage   usagedomain.Source
	Metrics *obsmetrics.Metrics
}

func NewEnforcer(p EnforcerParam) *Enforcer {
	return &Enforcer{
		log:     p.Log.Named("limits.enforcer"),
		holder:  p.Holder,
		plans:   p.Plans,
		usage:   p.Usage,
		metrics: p.Metrics,
	}
}

// Check evaluates the bypass chain, then the plan. Bypasses apply in a fixed
// order: kill switch, read-only verbs, super admin, exempt routes. Anything
// that prevents a definite verdict afterwards denies; enforcement fails
// closed.
func (e *Enforcer) Check(ctx context.Context, req CheckRequest) Decision {
	cfg := e.holder.Get()

	if !cfg.Limits.Enabled {
		return allow("")
	}
	if cfg.Limits.BypassReadOnly && isReadOnly(req.Method) {
		return allow("")
	}
	if cfg.Limits.BypassSuperAdmin && req.SuperAdmin {
		return allow("")
	}
	for _, pattern := range cfg.Limits.BypassRoutes {
		if wildcard.Match(pattern, req.Route) {
			return allow("")
		}
	}

	feature := featureForRoute(cfg.Limits.FeatureRoutes, req.Route)
	if feature == "" {
		return allow("")
	}

	resolved, err := e.plans.Resolve(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, plan.ErrNoActivePlan) {
			return e.deny(ctx, feature, ReasonNoActivePlan, cfg.UpgradeURL)
		}
		e.log.Error("plan resolution failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.Error(err),
		)
		return e.deny(ctx, feature, ReasonPlanUnresolved, cfg.UpgradeURL)
	}

	if !resolved.HasFeature(feature) {
		return e.deny(ctx, feature, ReasonFeatureNotIncluded, cfg.UpgradeURL)
	}

	limit, hasLimit := resolved.LimitFor(feature)
	if !hasLimit || limit == plan.Unlimited {
		e.metrics.RecordLimitAllowed(ctx, feature)
		return allow(feature)
	}

	used, err := e.usage.Count(ctx, req.TenantID, feature)
	if err != nil {
		e.log.Error("usage read failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("feature", feature),
			zap.Error(err),
		)
		return e.deny(ctx, feature, ReasonUsageUnavailable, cfg.UpgradeURL)
	}
	if used >= limit {
		return e.deny(ctx, feature, ReasonLimitExceeded, cfg.UpgradeURL)
	}

	e.metrics.RecordLimitAllowed(ctx, feature)
	return allow(feature)
}

func (e *Enforcer) deny(ctx context.Context, feature, reason, upgradeURL string) Decision {
	e.metrics.RecordLimitDenied(ctx, feature, reason)
	return Decision{
		Allowed:    false,
		Feature:    feature,
		Reason:     reason,
		UpgradeURL: upgradeURL,
	}
}

// featureForRoute picks the longest matching pattern. Equal-length
// overlapping patterns are rejected at config load, so the winner here is
// deterministic.
func featureForRoute(routes []config.FeatureRouteConfig, route string) string {
	feature := ""
	bestLen := -1
	for _, mapping := range routes {
		pattern := strings.TrimSpace(mapping.Pattern)
		if pattern == "" || !wildcard.Match(pattern, route) {
			continue
		}
		if len(pattern) > bestLen {
			bestLen = len(pattern)
			feature = strings.TrimSpace(mapping.Feature)
		}
	}
	return feature
}

func isReadOnly(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "GET", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}
