package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/cashrecon_backend/utils"
	"gorm.io/gorm"
)

var (
	ErrRequestNotPending  = errors.New("request is not pending")
	ErrRequestNotApproved = errors.New("request is not approved")
	ErrCashierNotFound    = errors.New("cashier not found")
)

const TableReconciliationRequests = "reconciliation_requests"

func CreateRequest(ctx context.Context, db *gorm.DB, input *NewReconciliationRequest) (*ReconciliationRequest, error) {
	if err := Validate(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Cashier](ctx, db, input.CashierId); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return nil, ErrCashierNotFound
		}
		return nil, err
	}

	details, err := input.Details.Encode()
	if err != nil {
		return nil, err
	}
	totalCash := input.TotalCash
	if totalCash.IsZero() {
		totalCash = input.Details.CashTotal()
	}
	totalBank := input.TotalBank
	if totalBank.IsZero() {
		totalBank = input.Details.BankTotal()
	}
	requestDate := time.Now().UTC()
	if input.RequestDate != nil {
		requestDate = input.RequestDate.UTC()
	}

	req := ReconciliationRequest{
		CashierId:    input.CashierId,
		AccountantId: input.AccountantId,
		BranchId:     input.BranchId,
		SystemSales:  input.SystemSales,
		TotalCash:    totalCash,
		TotalBank:    totalBank,
		DetailsJSON:  details,
		Notes:        input.Notes,
		Status:       RequestStatusPending,
		RequestDate:  requestDate,
	}
	if err := db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func GetRequest(ctx context.Context, db *gorm.DB, id int) (*ReconciliationRequest, error) {
	return utils.FetchModel[ReconciliationRequest](ctx, db, id)
}

// ListRequests returns the newest requests first, optionally filtered by status.
func ListRequests(ctx context.Context, db *gorm.DB, status *RequestStatus, limit int) ([]*ReconciliationRequest, error) {
	var results []*ReconciliationRequest
	dbCtx := db.WithContext(ctx).Order("created_at DESC, id DESC")
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if limit > 0 {
		dbCtx = dbCtx.Limit(limit)
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ApproveRequest turns a pending request into a reconciliation with all its item records.
func ApproveRequest(ctx context.Context, db *gorm.DB, id int, accountantId int) (*Reconciliation, error) {
	var rec Reconciliation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req ReconciliationRequest
		if err := tx.First(&req, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if req.Status != RequestStatusPending {
			return ErrRequestNotPending
		}
		details, err := ParseDetails(req.DetailsJSON)
		if err != nil {
			return err
		}

		totalReceipts, surplus := ComputeTotals(req.SystemSales, req.TotalCash, req.TotalBank, details)
		requestId := req.ID
		rec = Reconciliation{
			CashierId:          req.CashierId,
			AccountantId:       accountantId,
			BranchId:           req.BranchId,
			RequestId:          &requestId,
			ReconciliationDate: req.RequestDate,
			SystemSales:        req.SystemSales,
			TotalCash:          req.TotalCash,
			TotalBank:          req.TotalBank,
			TotalReceipts:      totalReceipts,
			SurplusDeficit:     surplus,
			Status:             ReconciliationStatusApproved,
			Notes:              req.Notes,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if err := createReconciliationItems(tx, rec.ID, details); err != nil {
			return err
		}

		return tx.Model(&req).Updates(map[string]interface{}{
			"status":        RequestStatusApproved,
			"accountant_id": accountantId,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func createReconciliationItems(tx *gorm.DB, reconciliationId int, d RequestDetails) error {
	var cash []CashReceipt
	for _, i := range d.CashBreakdown {
		cash = append(cash, CashReceipt{ReconciliationId: reconciliationId, Denomination: i.Denomination, Quantity: i.Quantity, TotalAmount: i.Amount()})
	}
	var bank []BankReceipt
	for _, i := range d.BankReceipts {
		bank = append(bank, BankReceipt{ReconciliationId: reconciliationId, OperationType: i.OperationType, AtmId: i.AtmId, Amount: i.Amount})
	}
	var postpaid []PostpaidSale
	for _, i := range d.PostpaidItems {
		postpaid = append(postpaid, PostpaidSale{ReconciliationId: reconciliationId, CustomerName: i.CustomerName, Amount: i.Amount})
	}
	var receipts []CustomerReceipt
	for _, i := range d.CustomerReceipts {
		receipts = append(receipts, CustomerReceipt{ReconciliationId: reconciliationId, CustomerName: i.CustomerName, Amount: i.Amount, PaymentType: i.PaymentType})
	}
	var returns []ReturnInvoice
	for _, i := range d.ReturnItems {
		returns = append(returns, ReturnInvoice{ReconciliationId: reconciliationId, InvoiceNumber: i.InvoiceNumber, Amount: i.Amount})
	}
	var suppliers []SupplierPayment
	for _, i := range d.SupplierItems {
		suppliers = append(suppliers, SupplierPayment{ReconciliationId: reconciliationId, SupplierName: i.SupplierName, InvoiceNumber: i.InvoiceNumber, Amount: i.Amount})
	}

	if len(cash) > 0 {
		if err := tx.Create(&cash).Error; err != nil {
			return err
		}
	}
	if len(bank) > 0 {
		if err := tx.Create(&bank).Error; err != nil {
			return err
		}
	}
	if len(postpaid) > 0 {
		if err := tx.Create(&postpaid).Error; err != nil {
			return err
		}
	}
	if len(receipts) > 0 {
		if err := tx.Create(&receipts).Error; err != nil {
			return err
		}
	}
	if len(returns) > 0 {
		if err := tx.Create(&returns).Error; err != nil {
			return err
		}
	}
	if len(suppliers) > 0 {
		if err := tx.Create(&suppliers).Error; err != nil {
			return err
		}
	}
	return nil
}

// CompleteRequest closes an approved request and its reconciliation.
func CompleteRequest(ctx context.Context, db *gorm.DB, id int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req ReconciliationRequest
		if err := tx.First(&req, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if req.Status == RequestStatusCompleted {
			return nil
		}
		if req.Status != RequestStatusApproved {
			return ErrRequestNotApproved
		}
		if err := tx.Model(&req).Update("status", RequestStatusCompleted).Error; err != nil {
			return err
		}
		return tx.Model(&Reconciliation{}).
			Where("request_id = ?", req.ID).
			Updates(map[string]interface{}{
				"status":     ReconciliationStatusCompleted,
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// DeleteRequest removes a request and queues its id for explicit deletion on other nodes.
func DeleteRequest(ctx context.Context, db *gorm.DB, id int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&ReconciliationRequest{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorRecordNotFound
		}
		if err := tx.Model(&Reconciliation{}).
			Where("request_id = ?", id).
			Updates(map[string]interface{}{
				"request_id": nil,
				"updated_at": time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		return QueueDeletion(tx, TableReconciliationRequests, id)
	})
}

// QueueDeletion records a delete to propagate; queuing the same id twice is a no-op.
func QueueDeletion(tx *gorm.DB, table string, id int) error {
	var count int64
	if err := tx.Model(&PendingDeletion{}).Where("table_name = ? AND record_id = ?", table, id).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&PendingDeletion{Table: table, RecordId: id}).Error
}

// DeleteReconciliation removes a reconciliation and its items. With resetRequest the source request goes back to pending.
func DeleteReconciliation(ctx context.Context, db *gorm.DB, id int, resetRequest bool) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Reconciliation
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		for _, child := range []interface{}{&CashReceipt{}, &BankReceipt{}, &PostpaidSale{}, &CustomerReceipt{}, &ReturnInvoice{}, &SupplierPayment{}} {
			if err := tx.Where("reconciliation_id = ?", rec.ID).Delete(child).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&rec).Error; err != nil {
			return err
		}
		if !resetRequest || rec.RequestId == nil {
			return nil
		}
		return tx.Model(&ReconciliationRequest{}).
			Where("id = ?", *rec.RequestId).
			Updates(map[string]interface{}{
				"status":        RequestStatusPending,
				"accountant_id": nil,
				"updated_at":    time.Now().UTC(),
			}).Error
	})
}

func ListReconciliations(ctx context.Context, db *gorm.DB, from, to *time.Time) ([]*Reconciliation, error) {
	var results []*Reconciliation
	dbCtx := db.WithContext(ctx).Order("reconciliation_date, id")
	if from != nil {
		dbCtx = dbCtx.Where("reconciliation_date >= ?", from.UTC())
	}
	if to != nil {
		dbCtx = dbCtx.Where("reconciliation_date < ?", to.UTC())
	}
	if err := dbCtx.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func RecordManualPostpaidSale(ctx context.Context, db *gorm.DB, input *NewManualPostpaidSale) (*ManualPostpaidSale, error) {
	if err := Validate(input); err != nil {
		return nil, err
	}
	saleDate := time.Now().UTC()
	if input.SaleDate != nil {
		saleDate = input.SaleDate.UTC()
	}
	sale := ManualPostpaidSale{
		CustomerName: input.CustomerName,
		Amount:       input.Amount,
		BranchId:     input.BranchId,
		SaleDate:     saleDate,
		Notes:        input.Notes,
	}
	if err := db.WithContext(ctx).Create(&sale).Error; err != nil {
		return nil, err
	}
	return &sale, nil
}

func RecordManualCustomerReceipt(ctx context.Context, db *gorm.DB, input *NewManualCustomerReceipt) (*ManualCustomerReceipt, error) {
	if err := Validate(input); err != nil {
		return nil, err
	}
	receiptDate := time.Now().UTC()
	if input.ReceiptDate != nil {
		receiptDate = input.ReceiptDate.UTC()
	}
	paymentType := input.PaymentType
	if paymentType == "" {
		paymentType = PaymentTypeCash
	}
	receipt := ManualCustomerReceipt{
		CustomerName: input.CustomerName,
		Amount:       input.Amount,
		PaymentType:  paymentType,
		BranchId:     input.BranchId,
		ReceiptDate:  receiptDate,
		Notes:        input.Notes,
	}
	if err := db.WithContext(ctx).Create(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}
