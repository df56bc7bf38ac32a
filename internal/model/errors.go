package model

import "errors"

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row
	// because another writer changed it first.
	ErrConflict = errors.New("conflict")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
	// ErrLimitExceeded is returned when a guarded write would push a total
	// past its cap.
	ErrLimitExceeded = errors.New("limit exceeded")
)
