package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

// NodeContextMiddleware stamps this process's node id on every request so rows created
// through the API carry their origin.
func NodeContextMiddleware(nodeId string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(utils.SetNodeIdInContext(c.Request.Context(), nodeId))
		c.Next()
	}
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
}
