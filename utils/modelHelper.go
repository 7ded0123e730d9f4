package utils

import (
	"context"
	"reflect"

	"bitbucket.org/hcsaude/assessments_backend/config"
)

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// FetchModel loads one row by id under the caller's tenant context.
func FetchModel[T any](ctx context.Context, id int) (*T, error) {
	db := config.GetDB()
	var result T
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// ResourceCountWhere counts rows matching cond under the caller's tenant context.
func ResourceCountWhere[T any](ctx context.Context, cond string, values ...interface{}) (int64, error) {
	db := config.GetDB()
	var model T
	var count int64
	err := db.WithContext(ctx).Model(&model).Where(cond, values...).Count(&count).Error
	return count, err
}

// ValidateUnique checks a column value is unused by any other row (id != exceptId).
func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId int) error {
	count, err := ResourceCountWhere[T](ctx, column+" = ? AND id != ?", value, exceptId)
	if err != nil {
		return err
	}
	if count > 0 {
		return NewValidationError(column, "already in use")
	}
	return nil
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func IntPtr(v int) *int { return &v }
