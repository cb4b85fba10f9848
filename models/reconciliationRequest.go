package models

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ReconciliationRequest is a cashier's shift-closing submission awaiting accountant action.
type ReconciliationRequest struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CashierId    int             `gorm:"index;not null" json:"cashier_id"`
	AccountantId *int            `gorm:"index" json:"accountant_id"`
	BranchId     *int            `gorm:"index" json:"branch_id"`
	SystemSales  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"system_sales"`
	TotalCash    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_cash"`
	TotalBank    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_bank"`
	DetailsJSON  string          `gorm:"column:details_json;type:text" json:"details_json"`
	Notes        string          `gorm:"type:text" json:"notes"`
	Status       RequestStatus   `gorm:"size:20;not null;default:pending;index" json:"status"`
	RequestDate  time.Time       `gorm:"index" json:"request_date"`
	OriginNode   string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type CashBreakdownItem struct {
	Denomination decimal.Decimal `json:"denomination" validate:"gt=0"`
	Quantity     int             `json:"quantity" validate:"gte=0"`
	Total        decimal.Decimal `json:"total" validate:"gte=0"`
}

// Amount is the line total, derived from denomination and quantity when not given.
func (i CashBreakdownItem) Amount() decimal.Decimal {
	if !i.Total.IsZero() {
		return i.Total
	}
	return i.Denomination.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type BankReceiptItem struct {
	OperationType BankOperationType `json:"operation_type" validate:"omitempty,oneof=mada visa transfer"`
	AtmId         *int              `json:"atm_id"`
	Amount        decimal.Decimal   `json:"amount" validate:"gte=0"`
}

type PostpaidItem struct {
	CustomerName string          `json:"customer_name" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount" validate:"gte=0"`
}

type CustomerReceiptItem struct {
	CustomerName string          `json:"customer_name" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount" validate:"gte=0"`
	PaymentType  PaymentType     `json:"payment_type" validate:"omitempty,oneof=cash bank"`
}

type ReturnItem struct {
	InvoiceNumber string          `json:"invoice_number" validate:"max=100"`
	Amount        decimal.Decimal `json:"amount" validate:"gte=0"`
}

type SupplierItem struct {
	SupplierName  string          `json:"supplier_name" validate:"required,max=255"`
	InvoiceNumber string          `json:"invoice_number" validate:"max=100"`
	Amount        decimal.Decimal `json:"amount" validate:"gte=0"`
}

// RequestDetails is the itemized breakdown stored in details_json.
type RequestDetails struct {
	CashBreakdown    []CashBreakdownItem   `json:"cash_breakdown" validate:"dive"`
	BankReceipts     []BankReceiptItem     `json:"bank_receipts" validate:"dive"`
	PostpaidItems    []PostpaidItem        `json:"postpaid_items" validate:"dive"`
	CustomerReceipts []CustomerReceiptItem `json:"customer_receipts" validate:"dive"`
	ReturnItems      []ReturnItem          `json:"return_items" validate:"dive"`
	SupplierItems    []SupplierItem        `json:"supplier_items" validate:"dive"`
}

func ParseDetails(raw string) (RequestDetails, error) {
	var d RequestDetails
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return d.normalized(), nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return RequestDetails{}, err
	}
	return d.normalized(), nil
}

func (d RequestDetails) Encode() (string, error) {
	b, err := json.Marshal(d.normalized())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// empty lists encode as [] so every node stores the same text
func (d RequestDetails) normalized() RequestDetails {
	if d.CashBreakdown == nil {
		d.CashBreakdown = []CashBreakdownItem{}
	}
	if d.BankReceipts == nil {
		d.BankReceipts = []BankReceiptItem{}
	}
	if d.PostpaidItems == nil {
		d.PostpaidItems = []PostpaidItem{}
	}
	if d.CustomerReceipts == nil {
		d.CustomerReceipts = []CustomerReceiptItem{}
	}
	if d.ReturnItems == nil {
		d.ReturnItems = []ReturnItem{}
	}
	if d.SupplierItems == nil {
		d.SupplierItems = []SupplierItem{}
	}
	return d
}

func (d RequestDetails) CashTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.CashBreakdown {
		total = total.Add(i.Amount())
	}
	return total
}

func (d RequestDetails) BankTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.BankReceipts {
		total = total.Add(i.Amount)
	}
	return total
}

func (d RequestDetails) PostpaidTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.PostpaidItems {
		total = total.Add(i.Amount)
	}
	return total
}

func (d RequestDetails) CustomerReceiptTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.CustomerReceipts {
		total = total.Add(i.Amount)
	}
	return total
}

func (d RequestDetails) ReturnTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.ReturnItems {
		total = total.Add(i.Amount)
	}
	return total
}

func (d RequestDetails) SupplierTotal() decimal.Decimal {
	total := decimal.Zero
	for _, i := range d.SupplierItems {
		total = total.Add(i.Amount)
	}
	return total
}

// ComputeTotals returns total receipts and surplus (positive) or deficit (negative) against system sales.
// Customer receipts settle earlier credit sales and are subtracted.
func ComputeTotals(systemSales, totalCash, totalBank decimal.Decimal, d RequestDetails) (totalReceipts decimal.Decimal, surplusDeficit decimal.Decimal) {
	totalReceipts = totalCash.
		Add(totalBank).
		Add(d.PostpaidTotal()).
		Add(d.ReturnTotal()).
		Add(d.SupplierTotal()).
		Sub(d.CustomerReceiptTotal())
	return totalReceipts, totalReceipts.Sub(systemSales)
}

type NewReconciliationRequest struct {
	CashierId    int             `json:"cashier_id" validate:"required,gt=0"`
	AccountantId *int            `json:"accountant_id"`
	BranchId     *int            `json:"branch_id"`
	SystemSales  decimal.Decimal `json:"system_sales" validate:"gte=0"`
	TotalCash    decimal.Decimal `json:"total_cash" validate:"gte=0"`
	TotalBank    decimal.Decimal `json:"total_bank" validate:"gte=0"`
	Details      RequestDetails  `json:"details"`
	Notes        string          `json:"notes" validate:"max=2000"`
	RequestDate  *time.Time      `json:"request_date"`
}

type NewManualPostpaidSale struct {
	CustomerName string          `json:"customer_name" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	BranchId     *int            `json:"branch_id"`
	SaleDate     *time.Time      `json:"sale_date"`
	Notes        string          `json:"notes"`
}

type NewManualCustomerReceipt struct {
	CustomerName string          `json:"customer_name" validate:"required,max=255"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	PaymentType  PaymentType     `json:"payment_type" validate:"omitempty,oneof=cash bank"`
	BranchId     *int            `json:"branch_id"`
	ReceiptDate  *time.Time      `json:"receipt_date"`
	Notes        string          `json:"notes"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks struct tags of any input type in this package.
func Validate(input interface{}) error {
	return validate.Struct(input)
}
