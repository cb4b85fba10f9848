// pos-node is a desktop node: it serves the reconciliation API from its embedded store and
// mirrors that store to the central node in the background.
//
// Usage:
//
//	NODE_ID=branch-1 SYNC_REMOTE_URL=https://central.example SYNC_API_KEY=... go run ./cmd/pos-node
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
	settings := config.LoadSettings(config.NodeRoleDesktop)
	logger := config.GetLogger()

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
	if err := models.MigrateTable(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
	}

	local, err := store.New(settings.StoreDriver, db)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "store"}).Fatal(err.Error())
	}
	transport, err := mirrorsync.NewHTTPTransport(mirrorsync.TransportOptions{
		BaseURL:    settings.SyncRemoteURL,
		NodeId:     settings.NodeId,
		APIKey:     settings.SyncAPIKey,
		BatchDelay: settings.SyncBatchDelay,
		Timeout:    settings.SyncHTTPTimeout,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "sync"}).Fatal(err.Error())
	}
	dispatcher := newDispatcher(sigCtx, settings, logger)
	defer config.ClosePubSub()

	engine := mirrorsync.NewEngine(local, transport, dispatcher, logger, mirrorsync.Options{
		NodeId:        settings.NodeId,
		Interval:      settings.SyncInterval,
		NotifyTimeout: time.Duration(utils.IntFromEnv("NOTIFY_TIMEOUT_SECONDS", 10)) * time.Second,
		Registry:      mirrorsync.DefaultRegistry().Without(config.SyncDisabledTables()...),
	})
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Start(engineCtx)
	}()

	if settings.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(middlewares.CORSMiddleware(settings.CORSAllowedOrigins, settings.Production))
	r.Use(middlewares.AccessLogMiddleware(logger))
	r.Use(gin.Recovery())
	r.Use(middlewares.NodeContextMiddleware(settings.NodeId))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	mirrorsync.RegisterNodeRoutes(r, engine)
	reconHandler := recon.NewHandler(db, logger, engine)
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
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"node_id":  settings.NodeId,
		"remote":   settings.SyncRemoteURL,
		"interval": settings.SyncInterval.String(),
	}).Info("pos node listening on :" + settings.Port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop the scheduler first so no new pass starts while we drain.
	cancelEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	<-engineDone
	engine.Wait()
	logger.WithFields(logrus.Fields{"node_id": settings.NodeId}).Info("pos node stopped")
}

// newDispatcher picks Pub/Sub when a project is configured, then a webhook, then the log.
func newDispatcher(ctx context.Context, settings config.Settings, logger *logrus.Logger) mirrorsync.Dispatcher {
	if settings.PubSubProjectId != "" && settings.NotifyTopic != "" {
		client, err := config.GetPubSubClient(ctx, settings.PubSubProjectId)
		if err == nil {
			topic := client.Topic(settings.NotifyTopic)
			if settings.PubSubCreateTopics {
				topic, err = config.CreateTopicIfNotExists(ctx, client, settings.NotifyTopic)
			}
			if err == nil {
				return mirrorsync.NewPubSubDispatcher(topic)
			}
		}
		logger.WithFields(logrus.Fields{"field": "notify"}).Warn("pubsub notifications disabled: " + err.Error())
	}
	if settings.NotifyWebhookURL != "" {
		return mirrorsync.NewWebhookDispatcher(settings.NotifyWebhookURL, 0)
	}
	return mirrorsync.NewLogDispatcher(logger)
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
