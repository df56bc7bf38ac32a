package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"shopd/internal/model"
)

var (
	errNotFound = model.ErrNotFound
	errConflict = model.ErrConflict
)

// mapErr translates driver errors to model sentinels.
func mapErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %w: %v", what, model.ErrDuplicate, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
