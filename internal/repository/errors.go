package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict indicates a uniqueness constraint rejected the write.
	ErrConflict = errors.New("repository: conflict")
	// ErrStale indicates a conditional write lost to a concurrent one.
	ErrStale = errors.New("repository: stale write")
	// ErrInvalidArgument indicates the caller passed an unusable record.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)

// ConflictError names the unique field that rejected a write.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return "repository: conflict on " + e.Field
}

// Is makes ConflictError match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
