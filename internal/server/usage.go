package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subtrack/internal/authorization"
	"github.com/smallbiznis/subtrack/internal/plan"
	"github.com/smallbiznis/subtrack/internal/tenantctx"
)

type featureUsage struct {
	Feature   string `json:"feature"`
	Limit     int64  `json:"limit"`
	Used      int64  `json:"used"`
	Unlimited bool   `json:"unlimited"`
}

type limitsUsageResponse struct {
	PlanCode string         `json:"plan_code"`
	PlanName string         `json:"plan_name"`
	Features []featureUsage `json:"features"`
}

// GetLimitsUsage reports the tenant's plan quota and consumption per feature
// so clients can render usage meters without re-deriving plan rules.
func (s *Server) GetLimitsUsage(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectLimits, authorization.ActionLimitsView) {
		return
	}

	ctx := c.Request.Context()
	tenantID, _ := tenantctx.TenantIDFromContext(ctx)

	resolved, err := s.plans.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, plan.ErrNoActivePlan) || errors.Is(err, plan.ErrPlanNotFound) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"reason":      "no_active_plan",
				"upgrade_url": s.holder.Get().UpgradeURL,
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.usageSrc.Snapshot(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	features := make([]featureUsage, 0, len(resolved.Features))
	for _, feature := range resolved.Features {
		limit, ok := resolved.LimitFor(feature)
		if !ok {
			limit = plan.Unlimited
		}
		features = append(features, featureUsage{
			Feature:   feature,
			Limit:     limit,
			Used:      snapshot[feature],
			Unlimited: limit == plan.Unlimited,
		})
	}

	c.JSON(http.StatusOK, limitsUsageResponse{
		PlanCode: resolved.Code,
		PlanName: resolved.Name,
		Features: features,
	})
}
