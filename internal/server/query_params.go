package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// parsePathID reads a snowflake ID from a route parameter. A missing or
// malformed value aborts the request with a validation error.
func parsePathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		AbortWithError(c, invalidRequestError())
		return 0, false
	}
	return id, true
}
