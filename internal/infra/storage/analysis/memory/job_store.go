// Package memory provides an in-memory implementation of the analysis job
// repository, suitable for tests and single-process development setups.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/shared"
)

var _ analysis.JobRepository = (*jobStore)(nil)

// jobStore provides a thread-safe in-memory implementation of
// analysis.JobRepository. It enforces the same contracts as the PostgreSQL
// store: one active job per asset at creation, and version-conditioned
// updates surfacing analysis.ErrConcurrentModification on conflict.
type jobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*analysis.Job
}

// NewJobStore creates an empty in-memory job repository.
func NewJobStore() *jobStore {
	return &jobStore{jobs: make(map[uuid.UUID]*analysis.Job)}
}

// CreateJob persists a new analysis job, rejecting it with
// analysis.AssetBusyError if another non-terminal job occupies the asset.
func (s *jobStore) CreateJob(ctx context.Context, job *analysis.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.AssetID() == job.AssetID() && !existing.Status().IsTerminal() {
			return analysis.AssetBusyError{
				AssetID: job.AssetID().String(),
				JobID:   existing.JobID().String(),
			}
		}
	}
	s.jobs[job.JobID()] = snapshot(job, 0)
	return nil
}

// GetJob retrieves a job's current state.
func (s *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.jobs[jobID]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	return snapshot(stored, stored.Version()), nil
}

// UpdateJob persists changes to an existing job, conditioned on the version
// the caller read.
func (s *jobStore) UpdateJob(ctx context.Context, job *analysis.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.JobID()]
	if !ok {
		return analysis.ErrJobNotFound
	}
	if stored.Version() != job.Version() {
		return analysis.ErrConcurrentModification
	}
	s.jobs[job.JobID()] = snapshot(job, job.Version()+1)
	return nil
}

// FindActiveJobByAsset returns the queued or running job for an asset.
func (s *jobStore) FindActiveJobByAsset(ctx context.Context, assetID uuid.UUID) (*analysis.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, stored := range s.jobs {
		if stored.AssetID() == assetID && stored.Status().IsActive() {
			return snapshot(stored, stored.Version()), nil
		}
	}
	return nil, analysis.ErrNoActiveJob
}

// snapshot copies a job at the given version so callers never share aggregate
// state with the store.
func snapshot(job *analysis.Job, version int64) *analysis.Job {
	return analysis.ReconstructJob(
		job.JobID(), job.AssetID(),
		job.Config(),
		job.Status(),
		job.RetryCount(), job.MaxRetries(),
		job.FailureReason(), job.ResultSummary(),
		job.Results(),
		job.ProgressFraction(),
		job.LastSequenceNum(),
		shared.ReconstructTimeline(job.Timeline().StartedAt(), job.Timeline().CompletedAt(), job.Timeline().LastUpdate()),
		version,
	)
}
