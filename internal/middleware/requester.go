package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	RequesterHeader    = "X-Requester-ID"
	ContextRequesterID = "requester_id"

	maxRequesterIDLen = 128
)

// Requester reads the caller identity from the X-Requester-ID header into the context.
// Requests without the header pass through; handlers fall back to the request body.
func Requester() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequesterHeader))
		if id == "" {
			c.Next()
			return
		}
		if len(id) > maxRequesterIDLen {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "requester id too long"})
			c.Abort()
			return
		}

		c.Set(ContextRequesterID, id)
		c.Next()
	}
}

// GetRequesterID gets the current requester ID from context
func GetRequesterID(c *gin.Context) string {
	if id, exists := c.Get(ContextRequesterID); exists {
		return id.(string)
	}
	return ""
}
