package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reconciliation is the permanent record produced when an accountant approves a request.
type Reconciliation struct {
	ID                 int                  `gorm:"primary_key" json:"id"`
	CashierId          int                  `gorm:"index;not null" json:"cashier_id"`
	AccountantId       int                  `gorm:"index" json:"accountant_id"`
	BranchId           *int                 `gorm:"index" json:"branch_id"`
	RequestId          *int                 `gorm:"index" json:"request_id"`
	ReconciliationDate time.Time            `gorm:"index" json:"reconciliation_date"`
	SystemSales        decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"system_sales"`
	TotalCash          decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"total_cash"`
	TotalBank          decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"total_bank"`
	TotalReceipts      decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"total_receipts"`
	SurplusDeficit     decimal.Decimal      `gorm:"type:decimal(20,4);not null;default:0" json:"surplus_deficit"`
	Status             ReconciliationStatus `gorm:"size:20;not null;default:approved" json:"status"`
	Notes              string               `gorm:"type:text" json:"notes"`
	OriginNode         string               `gorm:"size:100;index" json:"origin_node"`
	CreatedAt          time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

type CashReceipt struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ReconciliationId int             `gorm:"index;not null" json:"reconciliation_id"`
	Denomination     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"denomination"`
	Quantity         int             `gorm:"not null;default:0" json:"quantity"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	OriginNode       string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type BankReceipt struct {
	ID               int               `gorm:"primary_key" json:"id"`
	ReconciliationId int               `gorm:"index;not null" json:"reconciliation_id"`
	OperationType    BankOperationType `gorm:"size:30" json:"operation_type"`
	AtmId            *int              `gorm:"index" json:"atm_id"`
	Amount           decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	OriginNode       string            `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

type PostpaidSale struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ReconciliationId int             `gorm:"index;not null" json:"reconciliation_id"`
	CustomerName     string          `gorm:"size:255" json:"customer_name"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	OriginNode       string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type CustomerReceipt struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ReconciliationId int             `gorm:"index;not null" json:"reconciliation_id"`
	CustomerName     string          `gorm:"size:255" json:"customer_name"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	PaymentType      PaymentType     `gorm:"size:20" json:"payment_type"`
	OriginNode       string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type ReturnInvoice struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ReconciliationId int             `gorm:"index;not null" json:"reconciliation_id"`
	InvoiceNumber    string          `gorm:"size:100" json:"invoice_number"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	OriginNode       string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type SupplierPayment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ReconciliationId int             `gorm:"index;not null" json:"reconciliation_id"`
	SupplierName     string          `gorm:"size:255" json:"supplier_name"`
	InvoiceNumber    string          `gorm:"size:100" json:"invoice_number"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	OriginNode       string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Manual variants are recorded directly, outside any reconciliation.

type ManualPostpaidSale struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CustomerName string          `gorm:"size:255;not null" json:"customer_name"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	BranchId     *int            `gorm:"index" json:"branch_id"`
	SaleDate     time.Time       `gorm:"index" json:"sale_date"`
	Notes        string          `gorm:"type:text" json:"notes"`
	OriginNode   string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type ManualCustomerReceipt struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CustomerName string          `gorm:"size:255;not null" json:"customer_name"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	PaymentType  PaymentType     `gorm:"size:20" json:"payment_type"`
	BranchId     *int            `gorm:"index" json:"branch_id"`
	ReceiptDate  time.Time       `gorm:"index" json:"receipt_date"`
	Notes        string          `gorm:"type:text" json:"notes"`
	OriginNode   string          `gorm:"size:100;index" json:"origin_node"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
