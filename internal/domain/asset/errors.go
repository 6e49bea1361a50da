package asset

import (
	"errors"
	"fmt"
)

// ErrAssetNotFound indicates the referenced asset does not exist in the store.
var ErrAssetNotFound = errors.New("asset not found")

// ErrConcurrentModification indicates an optimistic-version mismatch while
// updating an asset. Callers should re-read and re-apply.
var ErrConcurrentModification = errors.New("asset was modified concurrently")

// ValidationError indicates a malformed asset attribute, rejected at
// construction. It is never retried.
type ValidationError struct {
	Field  string
	Detail string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, detail string) ValidationError {
	return ValidationError{Field: field, Detail: detail}
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid asset %s: %s", e.Field, e.Detail)
}
