package mirrorsync

import (
	"context"
	"strings"
	"testing"

	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/store"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T, s store.Store, tr Transport, d Dispatcher) *Engine {
	t.Helper()
	return NewEngine(s, tr, d, quietLogger(), Options{NodeId: "desk-1"})
}

func seedRequest(t *testing.T, db *gorm.DB, req models.ReconciliationRequest) {
	t.Helper()
	if req.DetailsJSON == "" {
		req.DetailsJSON = "{}"
	}
	if err := db.WithContext(nodeContext("desk-1")).Create(&req).Error; err != nil {
		t.Fatalf("seed request %d: %v", req.ID, err)
	}
}

func seedReconciliation(t *testing.T, db *gorm.DB, id int) {
	t.Helper()
	rec := models.Reconciliation{ID: id, CashierId: 2, ReconciliationDate: ts(1, 9), SystemSales: decimal.NewFromInt(100), Status: models.ReconciliationStatusApproved}
	if err := db.WithContext(nodeContext("desk-1")).Create(&rec).Error; err != nil {
		t.Fatalf("seed reconciliation %d: %v", id, err)
	}
}

func payloadIndex(f *fakeTransport, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.payloads {
		if _, ok := p[key]; ok {
			return i
		}
	}
	return -1
}

func TestRunSyncPass_PushOrderAndEmptyTables(t *testing.T) {
	s, db := openNode(t)
	if err := db.Create(&models.Branch{ID: 1, Name: "Main"}).Error; err != nil {
		t.Fatalf("seed branch: %v", err)
	}
	seedReconciliation(t, db, 10)
	seedReconciliation(t, db, 11)
	seedRequest(t, db, models.ReconciliationRequest{ID: 5, CashierId: 2, SystemSales: decimal.NewFromInt(1000), Status: models.RequestStatusPending})

	ft := newFakeTransport()
	e := newTestEngine(t, s, ft, &recordingDispatcher{})
	report, ran := e.RunSyncPass(context.Background(), models.SyncTriggeredManual)
	if !ran {
		t.Fatalf("pass did not run")
	}
	if report.Status != models.SyncRunStatusSuccess || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}

	if payloadIndex(ft, "cashiers") != -1 || payloadIndex(ft, "cash_receipts") != -1 || payloadIndex(ft, "active_cash_receipts_ids") != -1 {
		t.Fatalf("empty table was sent")
	}
	branches := payloadIndex(ft, "branches")
	active := payloadIndex(ft, "active_reconciliations_ids")
	recs := payloadIndex(ft, "reconciliations")
	requests := payloadIndex(ft, TableRequests)
	if branches < 0 || active < 0 || recs < 0 || requests < 0 {
		t.Fatalf("missing payloads: branches=%d active=%d recs=%d requests=%d", branches, active, recs, requests)
	}
	if !(branches < active && active < recs && recs < requests) {
		t.Fatalf("push order: branches=%d active=%d recs=%d requests=%d", branches, active, recs, requests)
	}

	ft.mu.Lock()
	sentIds, _ := ft.payloads[active]["active_reconciliations_ids"].([]int64)
	ft.mu.Unlock()
	if !equalIds(sentIds, []int64{10, 11}) {
		t.Fatalf("active ids = %v", sentIds)
	}
	if ft.sentRows(TableRequests) != 1 {
		t.Fatalf("requests pushed = %d", ft.sentRows(TableRequests))
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM sync_runs WHERE status = ? AND triggered_by = ?", models.SyncRunStatusSuccess, models.SyncTriggeredManual); n != 1 {
		t.Fatalf("sync_runs rows = %d", n)
	}
}

func TestRunSyncPass_TableFailureIsIsolated(t *testing.T) {
	s, db := openNode(t)
	seedReconciliation(t, db, 10)
	ctx := nodeContext("desk-1")
	if err := db.WithContext(ctx).Create(&models.BankReceipt{ID: 1, ReconciliationId: 10, Amount: decimal.NewFromInt(450)}).Error; err != nil {
		t.Fatalf("seed bank receipt: %v", err)
	}
	if err := db.WithContext(ctx).Create(&models.PostpaidSale{ID: 1, ReconciliationId: 10, CustomerName: "Ko Ko", Amount: decimal.NewFromInt(20)}).Error; err != nil {
		t.Fatalf("seed postpaid: %v", err)
	}

	ft := newFakeTransport()
	ft.failKeys["bank_receipts"] = errBoom
	e := newTestEngine(t, s, ft, &recordingDispatcher{})
	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredTimer)

	if ft.sentRows("postpaid_sales") != 1 {
		t.Fatalf("postpaid_sales not pushed after bank_receipts failed")
	}
	if report.Status != models.SyncRunStatusPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
	if len(report.Errors) != 1 || report.Errors[0].Table != "bank_receipts" || report.Errors[0].Step != "push_transactional" {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM sync_errors WHERE table_name = ?", "bank_receipts"); n != 1 {
		t.Fatalf("sync_errors rows = %d", n)
	}
}

func TestRunSyncPass_ReentrantTriggerIsDropped(t *testing.T) {
	s, _ := openNode(t)
	ft := newFakeTransport()
	ft.entered = make(chan struct{})
	ft.release = make(chan struct{})
	e := newTestEngine(t, s, ft, &recordingDispatcher{})

	done := make(chan bool)
	go func() {
		_, ran := e.RunSyncPass(context.Background(), models.SyncTriggeredTimer)
		done <- ran
	}()
	<-ft.entered

	if !e.Running() {
		t.Fatalf("engine should report a running pass")
	}
	if _, ran := e.RunSyncPass(context.Background(), models.SyncTriggeredManual); ran {
		t.Fatalf("second pass ran concurrently")
	}
	if e.Trigger(context.Background(), models.SyncTriggeredRequestCreated) {
		t.Fatalf("trigger started a pass while one was running")
	}

	close(ft.release)
	if !<-done {
		t.Fatalf("first pass did not run")
	}
	e.Wait()
	if ft.fetches != 1 {
		t.Fatalf("fetches = %d, want 1", ft.fetches)
	}
}

func TestRunSyncPass_PullUpsertSemantics(t *testing.T) {
	s, db := openNode(t)
	seedRequest(t, db, models.ReconciliationRequest{ID: 5, CashierId: 2, Status: models.RequestStatusPending, RequestDate: ts(1, 8), CreatedAt: ts(1, 8), UpdatedAt: ts(1, 8)})
	seedRequest(t, db, models.ReconciliationRequest{ID: 7, CashierId: 2, Status: models.RequestStatusPending, CreatedAt: ts(1, 8), UpdatedAt: ts(1, 8)})

	ft := newFakeTransport()
	ft.setRequests(&RequestsResponse{
		Success: true,
		Data: []store.Row{
			{"id": int64(5), "cashier_id": int64(2), "status": "approved", "notes": "checked", "accountant_id": int64(4),
				"details_json": `{"cash_breakdown":[]}`, "created_at": "2026-03-09T00:00:00Z", "updated_at": "2026-03-02T10:00:00Z"},
			{"id": int64(6), "cashier_id": int64(3), "system_sales": "250", "total_cash": "250", "status": "pending", "origin_node": "central",
				"details": map[string]any{"cash_breakdown": []any{map[string]any{"denomination": "50", "quantity": 5}}},
				"request_date": "2026-03-02T09:00:00Z", "created_at": "2026-03-02T09:00:00Z", "updated_at": "2026-03-02T09:00:00Z"},
		},
		Deleted: []int64{7},
	})
	e := newTestEngine(t, s, ft, &recordingDispatcher{})
	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredManual)
	if report.Stats["pull_inserted"] != 1 || report.Stats["pull_updated"] != 1 || report.Stats["pull_deleted"] != 1 {
		t.Fatalf("stats = %v", report.Stats)
	}

	updated, err := models.GetRequest(context.Background(), db, 5)
	if err != nil {
		t.Fatalf("GetRequest 5: %v", err)
	}
	if updated.Status != models.RequestStatusApproved || updated.Notes != "checked" || updated.AccountantId == nil || *updated.AccountantId != 4 {
		t.Fatalf("request 5 = %+v", updated)
	}
	if !updated.CreatedAt.Equal(ts(1, 8)) {
		t.Fatalf("created_at changed to %v", updated.CreatedAt)
	}

	inserted, err := models.GetRequest(context.Background(), db, 6)
	if err != nil {
		t.Fatalf("GetRequest 6: %v", err)
	}
	if inserted.CashierId != 3 || !inserted.SystemSales.Equal(decimal.NewFromInt(250)) || inserted.OriginNode != "central" {
		t.Fatalf("request 6 = %+v", inserted)
	}
	if !strings.Contains(inserted.DetailsJSON, "cash_breakdown") {
		t.Fatalf("details_json = %q", inserted.DetailsJSON)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM reconciliation_requests WHERE id = 7"); n != 0 {
		t.Fatalf("remotely deleted request still present")
	}

	// an older remote copy leaves the newer local row alone
	ft.setRequests(&RequestsResponse{Success: true, Data: []store.Row{
		{"id": int64(5), "cashier_id": int64(2), "status": "pending", "updated_at": "2026-03-01T00:00:00Z"},
	}})
	e.RunSyncPass(context.Background(), models.SyncTriggeredManual)
	again, _ := models.GetRequest(context.Background(), db, 5)
	if again.Status != models.RequestStatusApproved {
		t.Fatalf("stale pull overwrote status to %s", again.Status)
	}
}

func TestRunSyncPass_NotifiesOncePerPass(t *testing.T) {
	s, db := openNode(t)
	seedRequest(t, db, models.ReconciliationRequest{ID: 1, CashierId: 2, Status: models.RequestStatusApproved, UpdatedAt: ts(1, 8)})
	seedRequest(t, db, models.ReconciliationRequest{ID: 3, CashierId: 2, Status: models.RequestStatusPending, UpdatedAt: ts(1, 8)})

	ft := newFakeTransport()
	d := &recordingDispatcher{}
	e := newTestEngine(t, s, ft, d)

	if report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredStartup); len(report.Notified) != 0 || d.count() != 0 {
		t.Fatalf("first pass notified %v", report.Notified)
	}

	ft.setRequests(&RequestsResponse{Success: true, Data: []store.Row{
		{"id": int64(2), "cashier_id": int64(2), "status": "approved", "created_at": "2026-03-02T09:00:00Z", "updated_at": "2026-03-02T09:00:00Z"},
	}})
	if err := db.Model(&models.ReconciliationRequest{}).Where("id = ?", 3).Update("status", models.RequestStatusCompleted).Error; err != nil {
		t.Fatalf("complete request 3: %v", err)
	}
	d.err = errBoom

	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredTimer)
	if d.count() != 1 {
		t.Fatalf("notifications = %d, want 1", d.count())
	}
	if !equalIds(report.Notified, []int64{2, 3}) {
		t.Fatalf("notified = %v", report.Notified)
	}
	if report.Status != models.SyncRunStatusSuccess {
		t.Fatalf("dispatcher failure changed pass status to %s", report.Status)
	}

	e.RunSyncPass(context.Background(), models.SyncTriggeredTimer)
	if d.count() != 1 {
		t.Fatalf("unchanged pass notified again")
	}
}

func TestRunSyncPass_FirstPassNotifiesPulledSettledRequests(t *testing.T) {
	s, db := openNode(t)
	seedRequest(t, db, models.ReconciliationRequest{ID: 1, CashierId: 2, Status: models.RequestStatusCompleted, UpdatedAt: ts(1, 8)})

	ft := newFakeTransport()
	ft.setRequests(&RequestsResponse{Success: true, Data: []store.Row{
		{"id": int64(7), "cashier_id": int64(2), "status": "completed", "created_at": "2026-03-02T09:00:00Z", "updated_at": "2026-03-02T09:00:00Z"},
	}})
	d := &recordingDispatcher{}
	e := newTestEngine(t, s, ft, d)

	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredStartup)
	if report.Stats["pull_inserted"] != 1 {
		t.Fatalf("pull_inserted = %d", report.Stats["pull_inserted"])
	}
	if d.count() != 1 {
		t.Fatalf("notifications = %d, want 1", d.count())
	}
	if !equalIds(report.Notified, []int64{7}) {
		t.Fatalf("notified = %v, want [7]", report.Notified)
	}

	e.RunSyncPass(context.Background(), models.SyncTriggeredTimer)
	if d.count() != 1 {
		t.Fatalf("second pass notified again")
	}
}

func TestRunSyncPass_SkipsUnreadableRow(t *testing.T) {
	s, db := openNode(t)
	seedReconciliation(t, db, 10)
	seedReconciliation(t, db, 11)
	if err := db.Exec("UPDATE reconciliations SET total_cash = 'n/a' WHERE id = 11").Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	ft := newFakeTransport()
	e := newTestEngine(t, s, ft, &recordingDispatcher{})
	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredManual)

	if n := ft.sentRows("reconciliations"); n != 1 {
		t.Fatalf("reconciliations pushed = %d, want 1", n)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if se := report.Errors[0]; se.Step != "push_transactional" || se.Table != "reconciliations" || se.Id != 11 {
		t.Fatalf("error = %+v", se)
	}
	if report.Status != models.SyncRunStatusPartial {
		t.Fatalf("status = %s, want partial", report.Status)
	}
}

func TestRunSyncPass_PushesQueuedDeletions(t *testing.T) {
	s, db := openNode(t)
	seedRequest(t, db, models.ReconciliationRequest{ID: 9, CashierId: 2, Status: models.RequestStatusPending})
	if err := models.DeleteRequest(nodeContext("desk-1"), db, 9); err != nil {
		t.Fatalf("DeleteRequest: %v", err)
	}

	ft := newFakeTransport()
	ft.deleteErr = errBoom
	e := newTestEngine(t, s, ft, &recordingDispatcher{})

	report, _ := e.RunSyncPass(context.Background(), models.SyncTriggeredManual)
	if len(report.Errors) != 1 || report.Errors[0].Step != "push_deletions" || report.Errors[0].Id != 9 {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if n := countRows(t, s, "SELECT attempts FROM pending_deletions WHERE record_id = 9"); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}

	ft.deleteErr = nil
	e.RunSyncPass(context.Background(), models.SyncTriggeredManual)
	if !equalIds(ft.deleted, []int64{9}) {
		t.Fatalf("deleted = %v", ft.deleted)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM pending_deletions"); n != 0 {
		t.Fatalf("pending deletions left = %d", n)
	}
}

func TestRunSyncPass_CapKeepsMostRecentRows(t *testing.T) {
	s, db := openNode(t)
	for i := 1; i <= 5; i++ {
		if err := db.WithContext(nodeContext("desk-1")).Create(&models.CashReceipt{ID: i, ReconciliationId: 10, Quantity: i}).Error; err != nil {
			t.Fatalf("seed cash receipt: %v", err)
		}
	}
	capped := TransactionalTables[1]
	capped.Cap = 3
	ft := newFakeTransport()
	e := NewEngine(s, ft, &recordingDispatcher{}, quietLogger(), Options{
		NodeId:   "desk-1",
		Registry: Registry{Requests: RequestsTable, Transactional: []Table{capped}},
	})
	e.RunSyncPass(context.Background(), models.SyncTriggeredManual)

	var sent []int64
	ft.mu.Lock()
	for _, p := range ft.payloads {
		if rows, ok := p["cash_receipts"].([]store.Row); ok {
			for _, r := range rows {
				sent = append(sent, rowId(r))
			}
		}
	}
	ft.mu.Unlock()
	if !equalIds(sent, []int64{3, 4, 5}) {
		t.Fatalf("sent = %v, want [3 4 5]", sent)
	}
}
