package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

const headerCorrelationId = "X-Correlation-Id"

// CorrelationMiddleware generates a correlation id once per request and attaches it to the context.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader(headerCorrelationId)
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header(headerCorrelationId, cid)
		c.Next()
	}
}
