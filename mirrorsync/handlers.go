package mirrorsync

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/middlewares"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

const (
	requestsPullLimit = 1000
	maxPayloadBytes   = 64 << 20
)

// RegisterRemoteRoutes mounts the receiving side of the protocol on the central node.
func RegisterRemoteRoutes(r gin.IRouter, a *Applier, apiKey string) {
	g := r.Group(PathSync, middlewares.SyncKeyMiddleware(apiKey), middlewares.NodeIdMiddleware())
	g.POST("", a.SyncHandler())
	g.GET("/requests", a.RequestsHandler())
	g.DELETE("/requests/:id", a.DeleteRequestHandler())
	g.GET("/nodes/:node/status", a.NodeStatusHandler())
}

// RegisterNodeRoutes mounts the sync control endpoints of a desktop node.
func RegisterNodeRoutes(r gin.IRouter, e *Engine) {
	r.POST(PathSync+"/trigger", e.TriggerHandler())
	r.GET(PathSync+"/status", e.StatusHandler())
	r.GET(PathSync+"/runs", e.RunsHandler())
}

func (a *Applier) SyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader(HeaderNodeId)
		if origin == "" {
			c.JSON(http.StatusBadRequest, SyncResponse{Success: false, Error: ErrMissingNodeId.Error()})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, SyncResponse{Success: false, Error: "cannot read body"})
			return
		}
		payload, err := DecodePayload(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, SyncResponse{Success: false, Error: "invalid payload: " + err.Error()})
			return
		}

		ctx := utils.SetNodeIdInContext(c.Request.Context(), origin)
		result, err := a.Apply(ctx, origin, payload)
		if err != nil {
			config.LogError(a.logger, moduleName, "SyncHandler", "Apply", origin, err)
			c.JSON(http.StatusInternalServerError, SyncResponse{Success: false, Error: err.Error()})
			return
		}
		upserted, deleted := 0, 0
		for _, n := range result.Upserted {
			upserted += n
		}
		for _, n := range result.Deleted {
			deleted += n
		}
		c.JSON(http.StatusOK, SyncResponse{
			Success: true,
			Message: fmt.Sprintf("upserted %d, deleted %d, failed %d", upserted, deleted, len(result.Failed)),
			Failed:  result.Failed,
		})
	}
}

func (a *Applier) RequestsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := a.ListRequests(c.Request.Context(), requestsPullLimit)
		if err != nil {
			config.LogError(a.logger, moduleName, "RequestsHandler", "ListRequests", nil, err)
			c.JSON(http.StatusInternalServerError, RequestsResponse{Success: false, Error: err.Error(), Data: nil})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (a *Applier) DeleteRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, SyncResponse{Success: false, Error: "invalid id"})
			return
		}
		existed, err := a.DeleteRequest(c.Request.Context(), id)
		if err != nil {
			config.LogError(a.logger, moduleName, "DeleteRequestHandler", "DeleteRequest", id, err)
			c.JSON(http.StatusInternalServerError, SyncResponse{Success: false, Error: err.Error()})
			return
		}
		msg := "deleted"
		if !existed {
			msg = "already deleted"
		}
		c.JSON(http.StatusOK, SyncResponse{Success: true, Message: msg})
	}
}

func (a *Applier) NodeStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, found, err := a.LastApply(c.Request.Context(), c.Param("node"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no sync recorded for node"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
	}
}

func (e *Engine) TriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := e.Trigger(c.Request.Context(), models.SyncTriggeredManual)
		c.JSON(http.StatusAccepted, gin.H{"success": true, "started": started})
	}
}

func (e *Engine) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"node_id": e.opts.NodeId,
			"running": e.Running(),
			"last":    e.LastReport(),
		})
	}
}

func (e *Engine) RunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit > 200 {
			limit = 200
		}
		runs, err := e.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": runs})
	}
}
