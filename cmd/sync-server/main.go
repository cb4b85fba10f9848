// sync-server is the central node: it receives mirror pushes from desktop nodes, serves
// reconciliation requests back to them, and hosts the reconciliation API on the shared store.
//
// Usage:
//
//	STORE_DRIVER=postgres DATABASE_DSN=... SYNC_API_KEY=... go run ./cmd/sync-server
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/middlewares"
	"github.com/mmdatafocus/cashrecon_backend/mirrorsync"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/recon"
	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings(config.NodeRoleCentral)
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.OpenDatabase(settings)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables on a busy hosted database; allow running it as a separate job.
	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	hosted, err := store.New(settings.StoreDriver, db)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}

	// Redis only serializes appliers across instances and caches reports; run without it if it never comes up.
	if err := config.ConnectRedisWithRetry(sigCtx, settings.RedisAddress, utils.IntFromEnv("REDIS_CONNECT_ATTEMPTS", 5)); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis disabled: " + err.Error())
	}
	defer config.CloseRedis()

	if settings.SyncAPIKey == "" {
		logger.WithFields(logrus.Fields{"field": "sync"}).Warn("SYNC_API_KEY not set; sync endpoints accept any caller")
	}

	applier := mirrorsync.NewApplier(hosted, mirrorsync.DefaultRegistry(), logger, config.GetRedisLock(), config.GetRedisDB())

	if settings.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.CORSMiddleware(settings.CORSAllowedOrigins, settings.Production))

	// Optional rate limiting.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if utils.EnvBoolDefault("RATE_LIMIT_ENABLED", false) {
		if client := config.GetRedisDB(); client != nil {
			limit := int64(utils.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
			window := time.Duration(utils.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
			r.Use(middlewares.NewRateLimiter(client, limit, window).RateLimitMiddleware)
		} else {
			logger.WithFields(logrus.Fields{"field": "ratelimit"}).Warn("RATE_LIMIT_ENABLED but redis is not connected; rate limiting off")
		}
	}

	r.Use(middlewares.AccessLogMiddleware(logger))
	r.Use(gin.Recovery())
	r.Use(middlewares.NodeContextMiddleware(settings.NodeId))

	r.GET("/healthz", func(c *gin.Context) {
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	})
	mirrorsync.RegisterRemoteRoutes(r, applier, settings.SyncAPIKey)
	reconHandler := recon.NewHandler(db, logger, nil)
	if archive := newExportArchive(sigCtx, settings, logger); archive != nil {
		defer archive.Close()
		reconHandler.WithArchiver(archive, settings.ExportLinkTTL)
	}
	reconHandler.RegisterRoutes(r)
	r.NoRoute(middlewares.NotFoundHandler)

	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"node_id": settings.NodeId,
		"driver":  settings.StoreDriver,
		"redis":   config.GetRedisDB() != nil,
	}).Info("sync server listening on :" + settings.Port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	logger.WithFields(logrus.Fields{"node_id": settings.NodeId}).Info("sync server stopped")
}

// newExportArchive returns nil when no export bucket is configured or GCS cannot be reached.
func newExportArchive(ctx context.Context, settings config.Settings, logger *logrus.Logger) *utils.ObjectStore {
	if settings.ExportBucket == "" {
		return nil
	}
	archive, err := utils.NewGCSObjectStore(ctx, settings.ExportBucket)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "exports"}).Warn("export archiving disabled: " + err.Error())
		return nil
	}
	return archive
}
