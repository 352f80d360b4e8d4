package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subtrack/internal/limits"
	"github.com/smallbiznis/subtrack/internal/tenantctx"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor"

	contextActorKey   = "actor"
	contextFeatureKey = "feature"
)

// TenantContext resolves the caller's tenant and actor from request headers
// and stores them on the request context for downstream handlers.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor != "" {
			c.Set(contextActorKey, actor)
		}

		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw != "" {
			tenantID, err := snowflake.ParseString(raw)
			if err != nil || tenantID == 0 {
				AbortWithError(c, invalidRequestError())
				return
			}
			ctx := tenantctx.WithTenantID(c.Request.Context(), tenantID)
			c.Request = c.Request.WithContext(ctx)
		}

		c.Next()
	}
}

// EnforcePlanLimits gates feature routes on the tenant's plan. Denials carry
// the machine-readable reason and an upgrade URL so clients can route users
// to billing.
func (s *Server) EnforcePlanLimits() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, _ := tenantctx.TenantIDFromContext(c.Request.Context())

		decision := s.enforcer.Check(c.Request.Context(), limits.CheckRequest{
			TenantID:   tenantID,
			Method:     c.Request.Method,
			Route:      c.FullPath(),
			SuperAdmin: s.isSuperAdmin(c, tenantID),
		})
		if decision.Feature != "" {
			c.Set(contextFeatureKey, decision.Feature)
		}
		if decision.Allowed {
			c.Next()
			return
		}

		status := http.StatusForbidden
		if decision.Reason == limits.ReasonLimitExceeded || decision.Reason == limits.ReasonNoActivePlan {
			status = http.StatusPaymentRequired
		}
		c.AbortWithStatusJSON(status, gin.H{
			"reason":      decision.Reason,
			"upgrade_url": decision.UpgradeURL,
		})
	}
}

func (s *Server) isSuperAdmin(c *gin.Context, tenantID snowflake.ID) bool {
	actor := c.GetString(contextActorKey)
	if actor == "" || tenantID == 0 {
		return false
	}
	return s.authzSvc.IsSuperAdmin(c.Request.Context(), actor, tenantID.String())
}

func (s *Server) authorize(c *gin.Context, object, action string) bool {
	actor := c.GetString(contextActorKey)
	tenantID, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || actor == "" {
		AbortWithError(c, ErrUnauthorized)
		return false
	}
	if err := s.authzSvc.Authorize(c.Request.Context(), actor, tenantID.String(), object, action); err != nil {
		AbortWithError(c, err)
		return false
	}
	return true
}
