package recon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/models/reports"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	moduleName       = "recon"
	defaultListLimit = 200
	maxListLimit     = 1000
	summaryWindow    = 30 * 24 * time.Hour
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var errArchiveDisabled = errors.New("export archiving is not configured")

// SyncTrigger starts a sync pass out of schedule. Satisfied by *mirrorsync.Engine.
type SyncTrigger interface {
	Trigger(ctx context.Context, trigger string) bool
}

// ExportArchiver stores an export and returns a link to download it. Satisfied by *utils.ObjectStore.
type ExportArchiver interface {
	Archive(ctx context.Context, objectKey, contentType string, r io.Reader, expires time.Duration) (*utils.SignedDownload, error)
}

type Handler struct {
	db         *gorm.DB
	logger     *logrus.Logger
	trigger    SyncTrigger
	archiver   ExportArchiver
	archiveTTL time.Duration
}

// NewHandler builds the reconciliation API. trigger is nil on the central node.
func NewHandler(db *gorm.DB, logger *logrus.Logger, trigger SyncTrigger) *Handler {
	return &Handler{db: db, logger: logger, trigger: trigger}
}

// WithArchiver enables POST /api/reconciliations/export/archive.
func (h *Handler) WithArchiver(a ExportArchiver, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	h.archiver = a
	h.archiveTTL = ttl
	return h
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	requests := r.Group("/api/reconciliation-requests")
	requests.POST("", h.CreateRequest)
	requests.GET("", h.ListRequests)
	requests.GET("/:id", h.GetRequest)
	requests.POST("/:id/approve", h.ApproveRequest)
	requests.POST("/:id/complete", h.CompleteRequest)
	requests.DELETE("/:id", h.DeleteRequest)

	recs := r.Group("/api/reconciliations")
	recs.GET("", h.ListReconciliations)
	recs.GET("/export", h.ExportReconciliations)
	recs.POST("/export/archive", h.ArchiveReconciliations)
	recs.GET("/summary", h.Summary)
	recs.DELETE("/:id", h.DeleteReconciliation)

	r.POST("/api/manual-postpaid-sales", h.CreateManualPostpaidSale)
	r.POST("/api/manual-customer-receipts", h.CreateManualCustomerReceipt)
}

func (h *Handler) CreateRequest(c *gin.Context) {
	var input models.NewReconciliationRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	req, err := models.CreateRequest(ctx, h.db, &input)
	if err != nil {
		h.writeError(c, "CreateRequest", input, err)
		return
	}
	if h.trigger != nil {
		h.trigger.Trigger(ctx, models.SyncTriggeredRequestCreated)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": req})
}

func (h *Handler) ListRequests(c *gin.Context) {
	var status *models.RequestStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		s, err := models.ParseRequestStatus(raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		status = &s
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxListLimit)
	}
	results, err := models.ListRequests(c.Request.Context(), h.db, status, limit)
	if err != nil {
		h.writeError(c, "ListRequests", status, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": results})
}

func (h *Handler) GetRequest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	req, err := models.GetRequest(c.Request.Context(), h.db, id)
	if err != nil {
		h.writeError(c, "GetRequest", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": req})
}

type approveInput struct {
	AccountantId int `json:"accountant_id" validate:"required,gt=0"`
}

func (h *Handler) ApproveRequest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var input approveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	if err := models.Validate(&input); err != nil {
		badRequest(c, err)
		return
	}
	rec, err := models.ApproveRequest(c.Request.Context(), h.db, id, input.AccountantId)
	if err != nil {
		h.writeError(c, "ApproveRequest", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rec})
}

func (h *Handler) CompleteRequest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := models.CompleteRequest(c.Request.Context(), h.db, id); err != nil {
		h.writeError(c, "CompleteRequest", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) DeleteRequest(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	if err := models.DeleteRequest(c.Request.Context(), h.db, id); err != nil {
		h.writeError(c, "DeleteRequest", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ListReconciliations(c *gin.Context) {
	from, to, ok := dateRange(c, false)
	if !ok {
		return
	}
	recs, err := models.ListReconciliations(c.Request.Context(), h.db, from, to)
	if err != nil {
		h.writeError(c, "ListReconciliations", nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": recs})
}

func (h *Handler) DeleteReconciliation(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	reset, _ := strconv.ParseBool(c.DefaultQuery("reset_request", "false"))
	if err := models.DeleteReconciliation(c.Request.Context(), h.db, id, reset); err != nil {
		h.writeError(c, "DeleteReconciliation", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) ExportReconciliations(c *gin.Context) {
	from, to, ok := dateRange(c, false)
	if !ok {
		return
	}
	recs, err := models.ListReconciliations(c.Request.Context(), h.db, from, to)
	if err != nil {
		h.writeError(c, "ExportReconciliations", nil, err)
		return
	}
	f, err := reports.ReconciliationWorkbook(recs)
	if err != nil {
		h.writeError(c, "ExportReconciliations", len(recs), err)
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("reconciliations-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("Content-Type", xlsxContentType)
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		config.LogError(h.logger, moduleName, "ExportReconciliations", "Write", len(recs), err)
	}
}

// ArchiveReconciliations uploads the same workbook as the export and returns a signed link.
func (h *Handler) ArchiveReconciliations(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"success": false, "error": errArchiveDisabled.Error()})
		return
	}
	from, to, ok := dateRange(c, false)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	recs, err := models.ListReconciliations(ctx, h.db, from, to)
	if err != nil {
		h.writeError(c, "ArchiveReconciliations", nil, err)
		return
	}
	var buf bytes.Buffer
	if err := reports.WriteReconciliations(&buf, recs); err != nil {
		h.writeError(c, "ArchiveReconciliations", len(recs), err)
		return
	}

	node, _ := utils.GetNodeIdFromContext(ctx)
	if node == "" {
		node = "unknown"
	}
	objectKey := fmt.Sprintf("exports/%s/reconciliations-%s.xlsx", node, time.Now().UTC().Format("20060102-150405"))
	signed, err := h.archiver.Archive(ctx, objectKey, xlsxContentType, &buf, h.archiveTTL)
	if err != nil {
		config.LogError(h.logger, moduleName, "ArchiveReconciliations", "Archive", objectKey, err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "archive upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": signed})
}

func (h *Handler) Summary(c *gin.Context) {
	from, to, ok := dateRange(c, true)
	if !ok {
		return
	}
	results, err := reports.GetReconciliationSummary(c.Request.Context(), h.db, *from, *to)
	if err != nil {
		h.writeError(c, "Summary", nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": results})
}

func (h *Handler) CreateManualPostpaidSale(c *gin.Context) {
	var input models.NewManualPostpaidSale
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	sale, err := models.RecordManualPostpaidSale(c.Request.Context(), h.db, &input)
	if err != nil {
		h.writeError(c, "CreateManualPostpaidSale", input, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": sale})
}

func (h *Handler) CreateManualCustomerReceipt(c *gin.Context) {
	var input models.NewManualCustomerReceipt
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c, err)
		return
	}
	receipt, err := models.RecordManualCustomerReceipt(c.Request.Context(), h.db, &input)
	if err != nil {
		h.writeError(c, "CreateManualCustomerReceipt", input, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": receipt})
}

func (h *Handler) writeError(c *gin.Context, funcName string, data interface{}, err error) {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		badRequest(c, err)
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrCashierNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrRequestNotPending), errors.Is(err, models.ErrRequestNotApproved):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		config.LogError(h.logger, moduleName, funcName, c.FullPath(), data, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid input", "details": utils.ProcessValidationErrors(err)})
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid id"})
		return 0, false
	}
	return id, true
}

// dateRange reads from/to as YYYY-MM-DD or RFC3339. to is exclusive; a bare date covers that whole day.
func dateRange(c *gin.Context, required bool) (*time.Time, *time.Time, bool) {
	from, err := parseDate(c.Query("from"), false)
	if err != nil {
		badRequest(c, err)
		return nil, nil, false
	}
	to, err := parseDate(c.Query("to"), true)
	if err != nil {
		badRequest(c, err)
		return nil, nil, false
	}
	if required {
		if to == nil {
			end := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			to = &end
		}
		if from == nil {
			start := to.Add(-summaryWindow)
			from = &start
		}
	}
	if from != nil && to != nil && !from.Before(*to) {
		badRequest(c, errors.New("from must be before to"))
		return nil, nil, false
	}
	return from, to, true
}

func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", raw)
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return &t, nil
}
