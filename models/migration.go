package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table owned by this schema, lookups first.
func AllModels() []interface{} {
	return []interface{}{
		&Branch{}, &Cashier{}, &Accountant{}, &ATM{}, &Admin{},
		&ReconciliationRequest{},
		&Reconciliation{}, &CashReceipt{}, &BankReceipt{}, &PostpaidSale{}, &CustomerReceipt{},
		&ReturnInvoice{}, &SupplierPayment{},
		&ManualPostpaidSale{}, &ManualCustomerReceipt{},
		&SyncRun{}, &SyncError{}, &PendingDeletion{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
