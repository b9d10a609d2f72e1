package dbutil

import (
	"github.com/Aidin1998/p2pex/common/errors"
	"gorm.io/gorm"
)

// FindOne loads a single row matching the scoped query.
func FindOne[T any](db *gorm.DB) (*T, error) {
	var item T
	result := db.Limit(1).Find(&item)
	if result.Error != nil {
		return nil, WrapError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, errors.ErrNotFound
	}
	return &item, nil
}
