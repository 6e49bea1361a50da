package analysis

import (
	"errors"
	"fmt"
)

// ErrJobNotFound indicates the referenced job does not exist in the store.
var ErrJobNotFound = errors.New("job not found")

// ErrNoActiveJob indicates no queued or running job exists for an asset.
var ErrNoActiveJob = errors.New("no active job for asset")

// ErrConcurrentModification indicates an optimistic-version mismatch while
// updating a job. Callers re-read and re-apply a bounded number of times
// before treating it as a transient infrastructure failure.
var ErrConcurrentModification = errors.New("job was modified concurrently")

// ValidationError indicates a malformed analysis configuration or submission.
// It fails fast before any state transition and is never retried.
type ValidationError struct {
	Field  string
	Detail string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, detail string) ValidationError {
	return ValidationError{Field: field, Detail: detail}
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid analysis %s: %s", e.Field, e.Detail)
}

// AssetBusyError indicates a submission was rejected because another job is
// already active for the asset. The first job is unaffected.
type AssetBusyError struct {
	AssetID string
	JobID   string
}

func (e AssetBusyError) Error() string {
	return fmt.Sprintf("asset %s already has active job %s", e.AssetID, e.JobID)
}
