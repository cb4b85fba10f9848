package middlewares

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows every origin outside production. In production only allowedOrigins pass,
// and an empty list denies all.
func CORSMiddleware(allowedOrigins []string, production bool) gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if production {
		corsConfig.AllowOrigins = allowedOrigins
		if len(allowedOrigins) == 0 {
			// cors.New rejects a config with no origins at all
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", headerCorrelationId, headerNodeId, headerSyncKey)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", headerCorrelationId)
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}
