package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
)

func AccessLogMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"latency_ms":     time.Since(start).Milliseconds(),
			"correlation_id": cid,
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Info("request")
	}
}
