package utils

import (
	"context"

	"gorm.io/gorm"
)

// check if id exists, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, db *gorm.DB, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, db, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// count records, using WHERE $condition
func ResourceCountWhere[T any](ctx context.Context, db *gorm.DB, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64
	if err := db.WithContext(ctx).Model(&model).Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
