package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"go.uber.org/zap"
)

// HandleBillingWebhook accepts a raw provider delivery. Duplicates and events
// the state machine has conclusively rejected return 200 so the provider
// stops retrying; only transient infrastructure failures surface as 5xx.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	if s.limiter.Enabled() {
		result, err := s.limiter.AllowProvider(c.Request.Context(), provider)
		if err != nil {
			// Rate limiting is best-effort; a broken limiter must not
			// drop provider traffic.
			s.log.Warn("webhook rate limiter unavailable",
				zap.String("provider", provider),
				zap.Error(err),
			)
		} else if !result.Allowed {
			s.metrics.RecordRateLimitDenied(c.Request.Context(), provider, "ingress_rate")
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"status": "rate_limited"})
			return
		}
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.billingEventSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, billingeventdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		if errors.Is(err, billingeventdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
