package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subtrack/internal/authorization"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/smallbiznis/subtrack/internal/tenantctx"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
)

func (s *Server) ListSubscriptions(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectSubscription, authorization.ActionSubscriptionView) {
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tenantID, _ := tenantctx.TenantIDFromContext(c.Request.Context())
	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		TenantID:  tenantID,
		Status:    strings.TrimSpace(query.Status),
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectSubscription, authorization.ActionSubscriptionView) {
		return
	}

	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	subscription, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// Rows from other tenants are indistinguishable from missing ones.
	tenantID, _ := tenantctx.TenantIDFromContext(c.Request.Context())
	if subscription.TenantID != tenantID {
		AbortWithError(c, subscriptiondomain.ErrSubscriptionNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscription})
}

func (s *Server) GetCurrentSubscription(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectSubscription, authorization.ActionSubscriptionView) {
		return
	}

	tenantID, _ := tenantctx.TenantIDFromContext(c.Request.Context())
	subscription, err := s.subscriptionSvc.GetCurrentByTenantID(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscription})
}
