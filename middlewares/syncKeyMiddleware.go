package middlewares

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

const (
	headerSyncKey = "X-Sync-Key"
	headerNodeId  = "X-Node-Id"
)

// SyncKeyMiddleware rejects sync calls without the shared key. An empty key disables the check.
func SyncKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(headerSyncKey)), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// NodeIdMiddleware puts the sender node id, if any, into the request context.
func NodeIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if nodeId := c.GetHeader(headerNodeId); nodeId != "" {
			c.Request = c.Request.WithContext(utils.SetNodeIdInContext(c.Request.Context(), nodeId))
		}
		c.Next()
	}
}
