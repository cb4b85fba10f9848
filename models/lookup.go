package models

import "time"

// Lookup tables are small reference data mirrored by id upsert.

type Branch struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Address   string    `gorm:"type:text" json:"address"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Cashier struct {
	ID            int    `gorm:"primary_key" json:"id"`
	Name          string `gorm:"size:100;not null" json:"name"`
	CashierNumber string `gorm:"size:50;index" json:"cashier_number"`
	BranchId      *int   `gorm:"index" json:"branch_id"`
	// PinCode may be blank on nodes that never received it; sync never overwrites a known pin with blank.
	PinCode   *string   `gorm:"size:20" json:"pin_code"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Accountant struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	BranchId  *int      `gorm:"index" json:"branch_id"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type ATM struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	BankName  string    `gorm:"size:100" json:"bank_name"`
	Location  string    `gorm:"size:255" json:"location"`
	BranchId  *int      `gorm:"index" json:"branch_id"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ATM) TableName() string { return "atms" }

// Admin rows are identified by username across nodes; ids may differ per node.
type Admin struct {
	ID           int       `gorm:"primary_key" json:"id"`
	Name         string    `gorm:"size:100" json:"name"`
	Username     string    `gorm:"size:100;not null;uniqueIndex" json:"username"`
	PasswordHash *string   `gorm:"size:255" json:"password_hash"`
	Role         AdminRole `gorm:"size:20;not null;default:admin" json:"role"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
