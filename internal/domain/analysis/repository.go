package analysis

import (
	"context"

	"github.com/google/uuid"
)

// JobRepository defines the persistence operations for analysis jobs. It
// provides an abstraction layer over the document store used to maintain job
// state and history. The core treats the store as an opaque document service
// reachable by identity lookup and simple equality predicates.
type JobRepository interface {
	// CreateJob inserts a new job record, setting status and initial
	// timestamps. Returns AssetBusyError if another job is already active for
	// the same asset.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job's current state.
	// Returns ErrJobNotFound if the job does not exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJob persists changes to an existing job, conditioned on the
	// version the caller read. Returns ErrConcurrentModification if another
	// writer got there first.
	UpdateJob(ctx context.Context, job *Job) error

	// FindActiveJobByAsset returns the queued or running job for an asset.
	// Returns ErrNoActiveJob if none exists.
	FindActiveJobByAsset(ctx context.Context, assetID uuid.UUID) (*Job, error)
}
