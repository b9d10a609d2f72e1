package dbutil

import (
	"github.com/Aidin1998/p2pex/common/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const DuplicateKeyErrorCode = "23505"

// WrapError maps a gorm error onto the shared taxonomy.
func WrapError(err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.ErrNotFound
	} else if IsDuplicateKey(err) {
		return errors.Join(errors.ErrConflict, err)
	}

	return errors.Store(err)
}

// IsDuplicateKey reports a unique constraint violation. gorm translates it for
// both drivers when TranslateError is on; the pg code check covers raw pgx errors.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == DuplicateKeyErrorCode
}
