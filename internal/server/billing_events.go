package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subtrack/internal/authorization"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/pkg/db/pagination"
)

func (s *Server) ListFailedEvents(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectBillingEvent, authorization.ActionBillingEventView) {
		return
	}

	var query struct {
		pagination.Pagination
		Provider   string `form:"provider"`
		Unresolved bool   `form:"unresolved"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billingEventSvc.ListFailed(c.Request.Context(), billingeventdomain.ListFailedEventsRequest{
		Provider:   strings.TrimSpace(query.Provider),
		Unresolved: query.Unresolved,
		PageToken:  query.PageToken,
		PageSize:   int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RetryFailedEvent(c *gin.Context) {
	if !s.authorize(c, authorization.ObjectBillingEvent, authorization.ActionBillingEventRetry) {
		return
	}

	id, ok := parsePathID(c, "id")
	if !ok {
		return
	}

	if err := s.billingEventSvc.ReprocessFailed(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
