package mirrorsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mmdatafocus/cashrecon_backend/models"
	"github.com/mmdatafocus/cashrecon_backend/utils"
)

func apply(t *testing.T, a *Applier, origin string, body string) *ApplyResult {
	t.Helper()
	payload, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	result, err := a.Apply(nodeContext(origin), origin, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return result
}

func TestApply_DeletionByOmission(t *testing.T) {
	s, db := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	for _, rec := range []models.Reconciliation{
		{ID: 1, CashierId: 2, OriginNode: "desk-1", ReconciliationDate: ts(1, 9)},
		{ID: 2, CashierId: 2, OriginNode: "desk-1", ReconciliationDate: ts(1, 9)},
		{ID: 3, CashierId: 2, OriginNode: "desk-1", ReconciliationDate: ts(1, 9)},
		{ID: 4, CashierId: 5, OriginNode: "desk-2", ReconciliationDate: ts(1, 9)},
	} {
		if err := db.Create(&rec).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	result := apply(t, a, "desk-1", `{"active_reconciliations_ids":[1,3]}`)
	if result.Deleted["reconciliations"] != 1 {
		t.Fatalf("deleted = %d, want 1", result.Deleted["reconciliations"])
	}
	got := ids(t, s, "SELECT id FROM reconciliations ORDER BY id")
	if !equalIds(got, []int64{1, 3, 4}) {
		t.Fatalf("remaining = %v, want [1 3 4]", got)
	}

	// same set again deletes nothing
	result = apply(t, a, "desk-1", `{"active_reconciliations_ids":[1,3]}`)
	if result.Deleted["reconciliations"] != 0 {
		t.Fatalf("second cleanup deleted %d rows", result.Deleted["reconciliations"])
	}

	// an empty set is never "delete everything"
	apply(t, a, "desk-1", `{"active_reconciliations_ids":[]}`)
	got = ids(t, s, "SELECT id FROM reconciliations ORDER BY id")
	if !equalIds(got, []int64{1, 3, 4}) {
		t.Fatalf("after empty set = %v, want [1 3 4]", got)
	}
}

func TestApply_PreservesBlankPinCode(t *testing.T) {
	s, db := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	pin := "4821"
	if err := db.Create(&models.Cashier{ID: 1, Name: "Aye", PinCode: &pin, IsActive: utils.NewTrue(), UpdatedAt: ts(1, 8)}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	apply(t, a, "desk-1", `{"cashiers":[{"id":1,"name":"Aye Aye","pin_code":null,"is_active":1,"updated_at":"2026-03-01T09:00:00Z"}]}`)
	row, _, err := s.Prepare("SELECT name, pin_code FROM cashiers WHERE id = 1").Get(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if row["pin_code"] != "4821" || row["name"] != "Aye Aye" {
		t.Fatalf("after null pin = %v", row)
	}

	apply(t, a, "desk-1", `{"cashiers":[{"id":1,"name":"Aye Aye","pin_code":"","updated_at":"2026-03-01T10:00:00Z"}]}`)
	row, _, _ = s.Prepare("SELECT pin_code FROM cashiers WHERE id = 1").Get(context.Background())
	if row["pin_code"] != "4821" {
		t.Fatalf("after blank pin = %v", row["pin_code"])
	}

	apply(t, a, "desk-1", `{"cashiers":[{"id":1,"name":"Aye Aye","pin_code":"9999","updated_at":"2026-03-01T11:00:00Z"}]}`)
	row, _, _ = s.Prepare("SELECT pin_code FROM cashiers WHERE id = 1").Get(context.Background())
	if row["pin_code"] != "9999" {
		t.Fatalf("after new pin = %v", row["pin_code"])
	}
}

func TestApply_OlderRowDoesNotOverwrite(t *testing.T) {
	s, _ := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)

	apply(t, a, "desk-1", `{"reconciliation_requests":[{"id":5,"cashier_id":2,"status":"approved","system_sales":"1000","updated_at":"2026-03-02T10:00:00Z"}]}`)
	apply(t, a, "desk-1", `{"reconciliation_requests":[{"id":5,"cashier_id":2,"status":"pending","system_sales":"1000","updated_at":"2026-03-02T09:00:00Z"}]}`)

	row, found, err := s.Prepare("SELECT status FROM reconciliation_requests WHERE id = 5").Get(context.Background())
	if err != nil || !found {
		t.Fatalf("select: found=%v err=%v", found, err)
	}
	if row["status"] != "approved" {
		t.Fatalf("status = %v, want approved", row["status"])
	}
}

func TestApply_BatchPartialFailure(t *testing.T) {
	s, _ := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)

	var b strings.Builder
	b.WriteString(`{"cash_receipts":[`)
	for i := 1; i <= 500; i++ {
		if i > 1 {
			b.WriteString(",")
		}
		recId := "10"
		if i == 250 {
			recId = "null"
		}
		fmt.Fprintf(&b, `{"id":%d,"reconciliation_id":%s,"denomination":"100","quantity":1,"total_amount":"100","created_at":"2026-03-01T09:00:00Z"}`, i, recId)
	}
	b.WriteString(`]}`)

	result := apply(t, a, "desk-1", b.String())
	if result.Upserted["cash_receipts"] != 499 {
		t.Fatalf("upserted = %d, want 499", result.Upserted["cash_receipts"])
	}
	if len(result.Failed) != 1 || result.Failed[0].Id != 250 || result.Failed[0].Table != "cash_receipts" {
		t.Fatalf("failed = %+v, want row 250", result.Failed)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM cash_receipts"); n != 499 {
		t.Fatalf("rows = %d, want 499", n)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM cash_receipts WHERE origin_node = ?", "desk-1"); n != 499 {
		t.Fatalf("origin stamped rows = %d, want 499", n)
	}
}

func TestApply_IsIdempotent(t *testing.T) {
	s, _ := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	body := `{"branches":[{"id":1,"name":"Main","is_active":true,"updated_at":"2026-03-01T08:00:00Z"}],
		"reconciliations":[{"id":10,"cashier_id":2,"total_cash":"600","reconciliation_date":"2026-03-01T09:00:00Z","updated_at":"2026-03-01T09:00:00Z"}],
		"active_reconciliations_ids":[10]}`

	first := apply(t, a, "desk-1", body)
	second := apply(t, a, "desk-1", body)
	if len(first.Failed)+len(second.Failed) != 0 {
		t.Fatalf("failures: %+v %+v", first.Failed, second.Failed)
	}
	if second.Deleted["reconciliations"] != 0 {
		t.Fatalf("second apply deleted rows")
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM reconciliations"); n != 1 {
		t.Fatalf("reconciliations = %d", n)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM branches"); n != 1 {
		t.Fatalf("branches = %d", n)
	}
}

func TestApply_AdminsMatchByUsername(t *testing.T) {
	s, db := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	hash := "$2a$10$existing"
	if err := db.Create(&models.Admin{ID: 1, Username: "root", Name: "Root", PasswordHash: &hash, Role: models.AdminRoleAdmin, UpdatedAt: ts(1, 8)}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	result := apply(t, a, "desk-1", `{"admins":[{"id":7,"username":"root","name":"Root Two","password_hash":"","role":"admin","updated_at":"2026-03-01T09:00:00Z"}]}`)
	if len(result.Failed) != 0 {
		t.Fatalf("failed: %+v", result.Failed)
	}
	row, _, err := s.Prepare("SELECT id, name, password_hash FROM admins WHERE username = ?").Get(context.Background(), "root")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if rowId(row) != 1 || row["name"] != "Root Two" || row["password_hash"] != hash {
		t.Fatalf("admin = %v", row)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM admins"); n != 1 {
		t.Fatalf("admins = %d", n)
	}
}

func TestApply_DuplicateKeyRowsAreClassified(t *testing.T) {
	s, db := openNode(t)
	// admins keyed by id instead of username, so a second node's "root" collides on the unique index
	reg := DefaultRegistry()
	reg.Lookups = append([]Table(nil), reg.Lookups...)
	for i := range reg.Lookups {
		if reg.Lookups[i].Name == "admins" {
			reg.Lookups[i].ConflictKey = ""
		}
	}
	a := NewApplier(s, reg, quietLogger(), nil, nil)
	if err := db.Create(&models.Admin{ID: 1, Username: "root", Name: "Root", Role: models.AdminRoleAdmin, UpdatedAt: ts(1, 8)}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	result := apply(t, a, "desk-1", `{
		"admins":[
			{"id":7,"username":"root","name":"Root Two","role":"admin","updated_at":"2026-03-01T09:00:00Z"},
			{"id":8,"username":"cashier-lead","name":"Lead","role":"accountant","updated_at":"2026-03-01T09:00:00Z"}
		],
		"branches":[{"id":1,"name":"Main","created_at":"not a time"}]
	}`)

	codes := map[string]string{}
	for _, f := range result.Failed {
		codes[fmt.Sprintf("%s/%d", f.Table, f.Id)] = f.Code
	}
	if codes["admins/7"] != FailureDuplicateKey {
		t.Fatalf("admins/7 code = %q, failed = %+v", codes["admins/7"], result.Failed)
	}
	if codes["branches/1"] != FailureSync {
		t.Fatalf("branches/1 code = %q, failed = %+v", codes["branches/1"], result.Failed)
	}
	if result.Upserted["admins"] != 1 {
		t.Fatalf("admins upserted = %d, want 1", result.Upserted["admins"])
	}
}

func TestApply_UnknownTableAndMissingId(t *testing.T) {
	s, _ := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)

	result := apply(t, a, "desk-1", `{"invoices":[{"id":1}],"branches":[{"name":"No id"}]}`)
	var unknown, missing bool
	for _, f := range result.Failed {
		if f.Table == "invoices" && f.Error == ErrUnknownTable.Error() {
			unknown = true
		}
		if f.Table == "branches" && f.Error == ErrMissingRecordId.Error() {
			missing = true
		}
	}
	if !unknown || !missing {
		t.Fatalf("failed = %+v", result.Failed)
	}

	if _, err := a.Apply(context.Background(), "", nil); !errors.Is(err, ErrMissingNodeId) {
		t.Fatalf("empty origin err = %v", err)
	}
}

func TestDeleteRequest_TombstoneBlocksRevival(t *testing.T) {
	s, _ := openNode(t)
	a := NewApplier(s, DefaultRegistry(), quietLogger(), nil, nil)
	body := `{"reconciliation_requests":[{"id":5,"cashier_id":2,"status":"pending","updated_at":"2026-03-02T09:00:00Z"}]}`
	apply(t, a, "desk-1", body)

	existed, err := a.DeleteRequest(context.Background(), 5)
	if err != nil || !existed {
		t.Fatalf("DeleteRequest: existed=%v err=%v", existed, err)
	}
	existed, err = a.DeleteRequest(context.Background(), 5)
	if err != nil || existed {
		t.Fatalf("second DeleteRequest: existed=%v err=%v", existed, err)
	}

	result := apply(t, a, "desk-2", body)
	if result.Skipped[TableRequests] != 1 {
		t.Fatalf("skipped = %v", result.Skipped)
	}
	if n := countRows(t, s, "SELECT COUNT(*) AS n FROM reconciliation_requests"); n != 0 {
		t.Fatalf("request revived")
	}

	resp, err := a.ListRequests(context.Background(), 1000)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(resp.Data) != 0 || !equalIds(resp.Deleted, []int64{5}) {
		t.Fatalf("list = %+v", resp)
	}
}
