package recon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/cashrecon_backend/config"
	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/recon"
	"github.com/mmdatafocus/cashrecon_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type recordingTrigger struct {
	mu       sync.Mutex
	triggers []string
}

func (r *recordingTrigger) Trigger(_ context.Context, trigger string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, trigger)
	return true
}

func (r *recordingTrigger) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.triggers...)
}

type memoryArchiver struct {
	objects map[string][]byte
	ttl     time.Duration
}

func (m *memoryArchiver) Archive(_ context.Context, objectKey, _ string, r io.Reader, expires time.Duration) (*utils.SignedDownload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[objectKey] = data
	m.ttl = expires
	return &utils.SignedDownload{ObjectKey: objectKey, URL: "https://storage.test/" + objectKey, ExpiresAt: time.Now().Add(expires)}, nil
}

func setup(t *testing.T, trigger recon.SyncTrigger) (*gin.Engine, *gorm.DB) {
	return setupWith(t, trigger, nil)
}

func setupWith(t *testing.T, trigger recon.SyncTrigger, archiver recon.ExportArchiver) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := config.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(utils.SetNodeIdInContext(c.Request.Context(), "desk-1"))
		c.Next()
	})
	h := recon.NewHandler(db, logger, trigger)
	if archiver != nil {
		h.WithArchiver(archiver, 10*time.Minute)
	}
	h.RegisterRoutes(r)
	return r, db
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func seedCashier(t *testing.T, db *gorm.DB) models.Cashier {
	t.Helper()
	cashier := models.Cashier{Name: "Aye", CashierNumber: "C-01", IsActive: utils.NewTrue()}
	if err := db.Create(&cashier).Error; err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	return cashier
}

func createRequest(t *testing.T, r http.Handler, cashierId int) models.ReconciliationRequest {
	t.Helper()
	w, env := do(t, r, http.MethodPost, "/api/reconciliation-requests", map[string]any{
		"cashier_id":   cashierId,
		"system_sales": "1000",
		"request_date": "2026-03-02T18:00:00Z",
		"details": map[string]any{
			"cash_breakdown": []map[string]any{{"denomination": "100", "quantity": 6}},
			"bank_receipts":  []map[string]any{{"operation_type": "visa", "amount": "450"}},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	var req models.ReconciliationRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestCreateRequest_TriggersSyncAndStampsOrigin(t *testing.T) {
	trigger := &recordingTrigger{}
	r, db := setup(t, trigger)
	cashier := seedCashier(t, db)

	req := createRequest(t, r, cashier.ID)
	if req.Status != models.RequestStatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if !req.TotalCash.Equal(decimal.NewFromInt(600)) || !req.TotalBank.Equal(decimal.NewFromInt(450)) {
		t.Fatalf("totals not derived: cash=%s bank=%s", req.TotalCash, req.TotalBank)
	}
	if req.OriginNode != "desk-1" {
		t.Fatalf("origin_node = %q, want desk-1", req.OriginNode)
	}
	if got := trigger.calls(); len(got) != 1 || got[0] != models.SyncTriggeredRequestCreated {
		t.Fatalf("triggers = %v", got)
	}
}

func TestCreateRequest_Rejections(t *testing.T) {
	trigger := &recordingTrigger{}
	r, _ := setup(t, trigger)

	w, env := do(t, r, http.MethodPost, "/api/reconciliation-requests", map[string]any{"cashier_id": 0})
	if w.Code != http.StatusBadRequest || env.Success {
		t.Fatalf("missing cashier: status=%d body=%s", w.Code, w.Body.String())
	}
	w, _ = do(t, r, http.MethodPost, "/api/reconciliation-requests", map[string]any{"cashier_id": 99})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown cashier: status=%d body=%s", w.Code, w.Body.String())
	}
	if got := trigger.calls(); len(got) != 0 {
		t.Fatalf("failed creates must not trigger sync, got %v", got)
	}
}

func TestRequestLifecycle(t *testing.T) {
	r, db := setup(t, nil)
	cashier := seedCashier(t, db)
	req := createRequest(t, r, cashier.ID)
	other := createRequest(t, r, cashier.ID)
	base := fmt.Sprintf("/api/reconciliation-requests/%d", req.ID)

	w, _ := do(t, r, http.MethodPost, base+"/complete", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("complete pending: status=%d", w.Code)
	}
	w, _ = do(t, r, http.MethodPost, base+"/approve", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("approve without accountant: status=%d", w.Code)
	}

	w, env := do(t, r, http.MethodPost, base+"/approve", map[string]any{"accountant_id": 4})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status=%d body=%s", w.Code, w.Body.String())
	}
	var rec models.Reconciliation
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatalf("decode reconciliation: %v", err)
	}
	if !rec.SurplusDeficit.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("surplus = %s, want 50", rec.SurplusDeficit)
	}

	w, _ = do(t, r, http.MethodPost, base+"/approve", map[string]any{"accountant_id": 4})
	if w.Code != http.StatusConflict {
		t.Fatalf("second approve: status=%d", w.Code)
	}

	w, env = do(t, r, http.MethodGet, "/api/reconciliation-requests?status=approved", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status=%d", w.Code)
	}
	var approved []models.ReconciliationRequest
	if err := json.Unmarshal(env.Data, &approved); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(approved) != 1 || approved[0].ID != req.ID {
		t.Fatalf("approved list = %+v", approved)
	}
	w, _ = do(t, r, http.MethodGet, "/api/reconciliation-requests?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: status=%d", w.Code)
	}

	w, _ = do(t, r, http.MethodPost, base+"/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status=%d body=%s", w.Code, w.Body.String())
	}

	w, _ = do(t, r, http.MethodDelete, fmt.Sprintf("/api/reconciliations/%d?reset_request=true", rec.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete reconciliation: status=%d", w.Code)
	}
	w, env = do(t, r, http.MethodGet, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status=%d", w.Code)
	}
	var reset models.ReconciliationRequest
	if err := json.Unmarshal(env.Data, &reset); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if reset.Status != models.RequestStatusPending {
		t.Fatalf("request not reset, status = %s", reset.Status)
	}

	w, _ = do(t, r, http.MethodDelete, fmt.Sprintf("/api/reconciliation-requests/%d", other.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete request: status=%d", w.Code)
	}
	w, _ = do(t, r, http.MethodDelete, fmt.Sprintf("/api/reconciliation-requests/%d", other.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("delete missing request: status=%d", w.Code)
	}
	w, _ = do(t, r, http.MethodDelete, "/api/reconciliation-requests/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status=%d", w.Code)
	}
}

func TestManualRecords(t *testing.T) {
	r, _ := setup(t, nil)

	w, env := do(t, r, http.MethodPost, "/api/manual-postpaid-sales", map[string]any{"customer_name": "Ko Ko", "amount": "25.5"})
	if w.Code != http.StatusCreated {
		t.Fatalf("postpaid: status=%d body=%s", w.Code, w.Body.String())
	}
	var sale models.ManualPostpaidSale
	if err := json.Unmarshal(env.Data, &sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if sale.OriginNode != "desk-1" || !sale.Amount.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("sale = %+v", sale)
	}

	w, env = do(t, r, http.MethodPost, "/api/manual-customer-receipts", map[string]any{"customer_name": "Ma Ma", "amount": "10"})
	if w.Code != http.StatusCreated {
		t.Fatalf("receipt: status=%d body=%s", w.Code, w.Body.String())
	}
	var receipt models.ManualCustomerReceipt
	if err := json.Unmarshal(env.Data, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.PaymentType != models.PaymentTypeCash {
		t.Fatalf("payment type = %s, want cash", receipt.PaymentType)
	}

	w, _ = do(t, r, http.MethodPost, "/api/manual-customer-receipts", map[string]any{"customer_name": "Ma Ma", "amount": "-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: status=%d", w.Code)
	}
}

func TestExportAndSummary(t *testing.T) {
	r, db := setup(t, nil)
	cashier := seedCashier(t, db)
	req := createRequest(t, r, cashier.ID)
	if w, _ := do(t, r, http.MethodPost, fmt.Sprintf("/api/reconciliation-requests/%d/approve", req.ID), map[string]any{"accountant_id": 2}); w.Code != http.StatusOK {
		t.Fatalf("approve: status=%d", w.Code)
	}

	w, _ := do(t, r, http.MethodGet, "/api/reconciliations/export?from=2026-03-01&to=2026-03-31", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Fatalf("export is not a zip archive")
	}

	w, env := do(t, r, http.MethodGet, "/api/reconciliations/summary?from=2026-03-01&to=2026-03-31", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: status=%d body=%s", w.Code, w.Body.String())
	}
	var summary []struct {
		Date           string          `json:"date"`
		Count          int             `json:"count"`
		SurplusDeficit decimal.Decimal `json:"surplus_deficit"`
	}
	if err := json.Unmarshal(env.Data, &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(summary) != 1 || summary[0].Date != "2026-03-02" || summary[0].Count != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if !summary[0].SurplusDeficit.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("surplus = %s, want 50", summary[0].SurplusDeficit)
	}

	w, _ = do(t, r, http.MethodGet, "/api/reconciliations/summary?from=2026-03-31&to=2026-03-01", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inverted range: status=%d", w.Code)
	}
}

func TestArchiveReconciliations(t *testing.T) {
	r, _ := setup(t, nil)
	if w, _ := do(t, r, http.MethodPost, "/api/reconciliations/export/archive", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("archive without store: status=%d", w.Code)
	}

	archiver := &memoryArchiver{}
	r, db := setupWith(t, nil, archiver)
	cashier := seedCashier(t, db)
	req := createRequest(t, r, cashier.ID)
	if w, _ := do(t, r, http.MethodPost, fmt.Sprintf("/api/reconciliation-requests/%d/approve", req.ID), map[string]any{"accountant_id": 2}); w.Code != http.StatusOK {
		t.Fatalf("approve: status=%d", w.Code)
	}

	w, env := do(t, r, http.MethodPost, "/api/reconciliations/export/archive?from=2026-03-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive: status=%d body=%s", w.Code, w.Body.String())
	}
	var signed utils.SignedDownload
	if err := json.Unmarshal(env.Data, &signed); err != nil {
		t.Fatalf("decode signed download: %v", err)
	}
	if !strings.HasPrefix(signed.ObjectKey, "exports/desk-1/reconciliations-") || !strings.HasSuffix(signed.ObjectKey, ".xlsx") {
		t.Fatalf("object key = %q", signed.ObjectKey)
	}
	data, ok := archiver.objects[signed.ObjectKey]
	if !ok || !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("workbook not uploaded under %q", signed.ObjectKey)
	}
	if archiver.ttl != 10*time.Minute {
		t.Fatalf("ttl = %s, want 10m", archiver.ttl)
	}
}
