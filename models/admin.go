package models

import (
	"context"
	"errors"
	"strings"

	"github.com/mmdatafocus/cashrecon_backend/utils"
	"gorm.io/gorm"
)

type NewAdmin struct {
	Username string    `json:"username" validate:"required,max=100"`
	Name     string    `json:"name" validate:"max=100"`
	Password string    `json:"password" validate:"required,min=6"`
	Role     AdminRole `json:"role" validate:"omitempty,oneof=admin accountant"`
}

// SeedAdmin creates the admin with the given username, or resets its password, name and role.
func SeedAdmin(ctx context.Context, db *gorm.DB, input *NewAdmin) (*Admin, bool, error) {
	input.Username = strings.TrimSpace(input.Username)
	if err := Validate(input); err != nil {
		return nil, false, err
	}
	role := input.Role
	if role == "" {
		role = AdminRoleAdmin
	}
	hashed, err := utils.HashPasswordString(input.Password)
	if err != nil {
		return nil, false, err
	}

	var existing Admin
	err = db.WithContext(ctx).Where("username = ?", input.Username).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
		admin := Admin{
			Username:     input.Username,
			Name:         input.Name,
			PasswordHash: &hashed,
			Role:         role,
			IsActive:     utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&admin).Error; err != nil {
			return nil, false, err
		}
		return &admin, true, nil
	}

	updates := map[string]interface{}{
		"name":      input.Name,
		"role":      role,
		"is_active": true,
	}
	// an unchanged password keeps its hash so the row does not churn through sync
	if existing.PasswordHash == nil || utils.ComparePassword(*existing.PasswordHash, input.Password) != nil {
		updates["password_hash"] = hashed
	}
	if err := db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}
