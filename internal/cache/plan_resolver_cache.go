package cache

import (
	"strings"
	"time"

	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
)

// Short TTL: plan changes must show up at the request boundary quickly,
// while still shielding the database from per-request lookups.
const defaultSubscriptionTTL = 45 * time.Second

// PlanResolverCache stores the hot-path subscription lookup behind plan
// resolution on every limited request.
type PlanResolverCache interface {
	GetCurrentSubscription(tenantID string) (subscriptiondomain.Subscription, bool)
	SetCurrentSubscription(tenantID string, subscription subscriptiondomain.Subscription)
	InvalidateTenant(tenantID string)
}

type planResolverCache struct {
	subscriptions Cache[string, subscriptiondomain.Subscription]
	subTTL        time.Duration
}

// NewPlanResolverCache returns an in-memory cache tuned for limit enforcement.
func NewPlanResolverCache() PlanResolverCache {
	return &planResolverCache{
		subscriptions: NewTTLCache[string, subscriptiondomain.Subscription](),
		subTTL:        defaultSubscriptionTTL,
	}
}

func (c *planResolverCache) GetCurrentSubscription(tenantID string) (subscriptiondomain.Subscription, bool) {
	return c.subscriptions.Get(cacheKey(tenantID))
}

func (c *planResolverCache) SetCurrentSubscription(tenantID string, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(cacheKey(tenantID), subscription, c.subTTL)
}

func (c *planResolverCache) InvalidateTenant(tenantID string) {
	c.subscriptions.Delete(cacheKey(tenantID))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
