package models

import "errors"

// Domain errors shared by the repositories, services and the query facade.
// Callers match them with errors.Is; every layer wraps them with context.
var (
	ErrInvalidGeometry    = errors.New("invalid geometry")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrAreaNotFound       = errors.New("area not found")
	ErrCacheMiss          = errors.New("cache miss")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
