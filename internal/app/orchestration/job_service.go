// Package orchestration coordinates the analysis job lifecycle on the
// controller. It owns every state transition: workers only report what
// happened through events, and the services here fold those reports into the
// store with optimistic concurrency.
package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/domain/events"
	"github.com/framesift/framesift/pkg/common/logger"
)

// maxConflictRetries bounds how often a lifecycle operation re-reads and
// re-applies after losing an optimistic-concurrency race.
const maxConflictRetries = 5

// JobService manages the analysis job lifecycle from submission through
// completion or terminal failure. It is the single writer for job and asset
// state; conflicting writes surface as ErrConcurrentModification and are
// resolved by re-reading and re-applying the transition.
type JobService struct {
	controllerID string

	jobRepo   analysis.JobRepository
	assetRepo asset.Repository

	publisher events.DomainEventPublisher

	// knownProviders gates config validation at submission time.
	knownProviders map[string]struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics ControllerMetrics
}

// NewJobService creates a JobService backed by the given repositories and
// event publisher. knownProviders is the catalog of provider names jobs may
// reference.
func NewJobService(
	controllerID string,
	jobRepo analysis.JobRepository,
	assetRepo asset.Repository,
	publisher events.DomainEventPublisher,
	knownProviders map[string]struct{},
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics ControllerMetrics,
) *JobService {
	return &JobService{
		controllerID:   controllerID,
		jobRepo:        jobRepo,
		assetRepo:      assetRepo,
		publisher:      publisher,
		knownProviders: knownProviders,
		logger:         logger.With("component", "job_service"),
		tracer:         tracer,
		metrics:        metrics,
	}
}

// SubmitAnalysis validates the configuration, creates a job for the asset,
// enqueues it and publishes the task envelope. The asset transitions to
// PROCESSING on first submission. At most one active job may exist per asset;
// a second submission fails with AssetBusyError.
func (s *JobService) SubmitAnalysis(
	ctx context.Context,
	assetID uuid.UUID,
	config analysis.Config,
) (*analysis.Job, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.orchestration.submit_analysis",
		trace.WithAttributes(
			attribute.String("controller_id", s.controllerID),
			attribute.String("asset_id", assetID.String()),
		))
	defer span.End()

	if err := config.Validate(s.knownProviders); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid analysis config")
		return nil, fmt.Errorf("invalid analysis config: %w", err)
	}
	span.AddEvent("config_validated")

	a, err := s.assetRepo.GetAsset(ctx, assetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load asset")
		return nil, fmt.Errorf("failed to load asset %s: %w", assetID, err)
	}

	job := analysis.NewJob(uuid.New(), assetID, config)
	if err := s.jobRepo.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job")
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	span.AddEvent("job_created", trace.WithAttributes(
		attribute.String("job_id", job.JobID().String()),
	))
	s.metrics.IncJobsSubmitted(ctx)

	if a.Status() == asset.StatusUploaded {
		if err := a.MarkProcessing(); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to mark asset processing: %w", err)
		}
		if err := s.assetRepo.UpdateAsset(ctx, a); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to update asset")
			return nil, fmt.Errorf("failed to update asset %s: %w", assetID, err)
		}
		span.AddEvent("asset_marked_processing")
	}

	if err := s.enqueueAndPublish(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enqueue job")
		return nil, err
	}

	span.AddEvent("job_submitted")
	span.SetStatus(codes.Ok, "job submitted")
	s.logger.Info(ctx, "Analysis job submitted",
		"job_id", job.JobID(), "asset_id", assetID, "providers", config.ProviderNames())

	return job, nil
}

// enqueueAndPublish moves the job to QUEUED and puts the task envelope on the
// queue, keyed by job ID so all messages for one job land on one partition.
func (s *JobService) enqueueAndPublish(ctx context.Context, job *analysis.Job) error {
	if err := job.Enqueue(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID(), err)
	}
	if err := s.jobRepo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist queued job %s: %w", job.JobID(), err)
	}

	evt := analysis.NewAnalysisScheduledEvent(job.JobID(), job.AssetID(), job.Config())
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		return fmt.Errorf("failed to publish task envelope for job %s: %w", job.JobID(), err)
	}
	return nil
}

// GetJob returns the current state of a job.
func (s *JobService) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	return s.jobRepo.GetJob(ctx, jobID)
}

// MarkJobStarted records that a worker picked up the job. A redelivered start
// on an already running job is logged and dropped rather than failed, since
// the transport is at-least-once.
func (s *JobService) MarkJobStarted(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "job_service.orchestration.mark_job_started",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	err := s.mutateJob(ctx, jobID, func(job *analysis.Job) error {
		return job.Start()
	})
	if err != nil {
		var transitionErr analysis.InvalidStateTransitionError
		if errors.As(err, &transitionErr) {
			span.AddEvent("redelivered_start_dropped")
			s.logger.Warn(ctx, "Dropping redelivered job start", "job_id", jobID, "error", err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark job started")
		return err
	}

	span.AddEvent("job_started")
	return nil
}

// ApplyJobProgress folds one progress update into the job. Stale and
// out-of-order updates are accepted by the domain and flagged; updates
// arriving after the job left the running states are dropped.
func (s *JobService) ApplyJobProgress(ctx context.Context, p analysis.Progress) error {
	ctx, span := s.tracer.Start(ctx, "job_service.orchestration.apply_job_progress",
		trace.WithAttributes(
			attribute.String("job_id", p.JobID().String()),
			attribute.Int64("sequence_num", p.SequenceNum()),
			attribute.Float64("fraction", p.Fraction()),
		))
	defer span.End()

	err := s.mutateJob(ctx, p.JobID(), func(job *analysis.Job) error {
		return job.ApplyProgress(p)
	})
	if err != nil {
		var transitionErr analysis.InvalidStateTransitionError
		if errors.As(err, &transitionErr) {
			// The job already left the running states, typically because the
			// final message overtook this update on its own topic. Routine
			// under at-least-once delivery, so drop it rather than decline
			// the ack and force a redelivery that can never apply.
			span.AddEvent("late_progress_dropped")
			s.metrics.IncStaleProgressUpdates(ctx)
			s.logger.Warn(ctx, "Dropping progress update for non-running job",
				"job_id", p.JobID(), "sequence_num", p.SequenceNum())
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply progress")
		return err
	}

	span.AddEvent("progress_applied")
	s.metrics.IncProgressUpdates(ctx)
	return nil
}

// CompleteJob records provider results and transitions the job to COMPLETED,
// then finalizes the asset. Redelivered completions are no-ops: duplicate
// results are skipped and completing a completed job does nothing.
func (s *JobService) CompleteJob(
	ctx context.Context,
	jobID uuid.UUID,
	results []analysis.ProviderResult,
	summary string,
) error {
	ctx, span := s.tracer.Start(ctx, "job_service.orchestration.complete_job",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.Int("result_count", len(results)),
		))
	defer span.End()

	var assetID uuid.UUID
	err := s.mutateJob(ctx, jobID, func(job *analysis.Job) error {
		assetID = job.AssetID()
		for _, r := range results {
			if err := job.AddResult(r); err != nil {
				var vErr analysis.ValidationError
				if errors.As(err, &vErr) {
					continue // redelivered result
				}
				return err
			}
		}
		return job.Complete(summary)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete job")
		return err
	}
	span.AddEvent("job_completed")
	s.metrics.IncJobsCompleted(ctx)

	if err := s.finalizeAsset(ctx, assetID, true); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetStatus(codes.Ok, "job completed")
	s.logger.Info(ctx, "Analysis job completed", "job_id", jobID, "asset_id", assetID)
	return nil
}

// FailJob records a failure report. Retryable failures with budget remaining
// re-enter the queue with a fresh task envelope; otherwise the job and its
// asset become terminally FAILED.
func (s *JobService) FailJob(
	ctx context.Context,
	jobID uuid.UUID,
	reason string,
	retryable bool,
	results []analysis.ProviderResult,
) error {
	ctx, span := s.tracer.Start(ctx, "job_service.orchestration.fail_job",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("reason", reason),
			attribute.Bool("retryable", retryable),
		))
	defer span.End()

	var (
		assetID  uuid.UUID
		requeued bool
		updated  *analysis.Job
	)
	err := s.mutateJob(ctx, jobID, func(job *analysis.Job) error {
		assetID = job.AssetID()
		for _, r := range results {
			if err := job.AddResult(r); err != nil {
				var vErr analysis.ValidationError
				if errors.As(err, &vErr) {
					continue
				}
				return err
			}
		}
		var failErr error
		requeued, failErr = job.Fail(reason, retryable)
		updated = job
		return failErr
	})
	if err != nil {
		var transitionErr analysis.InvalidStateTransitionError
		if errors.As(err, &transitionErr) {
			// The job already reached a terminal state, likely via a racing
			// completion. The late failure report carries no new information.
			span.AddEvent("late_failure_report_dropped")
			s.logger.Warn(ctx, "Dropping failure report for terminal job", "job_id", jobID, "reason", reason)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to record job failure")
		return err
	}

	if requeued {
		span.AddEvent("job_requeued", trace.WithAttributes(
			attribute.Int("retry_count", updated.RetryCount()),
		))
		s.metrics.IncJobsRetried(ctx)

		evt := analysis.NewAnalysisScheduledEvent(updated.JobID(), updated.AssetID(), updated.Config())
		if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to republish task envelope")
			return fmt.Errorf("failed to republish task envelope for job %s: %w", jobID, err)
		}

		s.logger.Info(ctx, "Analysis job requeued after failure",
			"job_id", jobID, "reason", reason, "retry_count", updated.RetryCount())
		return nil
	}

	span.AddEvent("job_failed_terminally")
	s.metrics.IncJobsFailed(ctx)

	if err := s.finalizeAsset(ctx, assetID, false); err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.Error(ctx, "Analysis job failed terminally",
		"job_id", jobID, "asset_id", assetID, "reason", reason)
	return nil
}

// finalizeAsset moves the asset into its terminal state once its job is done.
func (s *JobService) finalizeAsset(ctx context.Context, assetID uuid.UUID, succeeded bool) error {
	a, err := s.assetRepo.GetAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("failed to load asset %s: %w", assetID, err)
	}
	if a.Status().IsTerminal() {
		return nil
	}

	if succeeded {
		err = a.MarkCompleted()
	} else {
		err = a.MarkFailed()
	}
	if err != nil {
		return fmt.Errorf("failed to finalize asset %s: %w", assetID, err)
	}

	if err := s.assetRepo.UpdateAsset(ctx, a); err != nil {
		return fmt.Errorf("failed to update asset %s: %w", assetID, err)
	}
	return nil
}

// mutateJob loads the job, applies fn and persists the result. If the
// conditional update loses to a concurrent writer the job is re-read and fn
// re-applied, with exponential backoff, up to maxConflictRetries times.
// Domain errors from fn abort immediately.
func (s *JobService) mutateJob(ctx context.Context, jobID uuid.UUID, fn func(*analysis.Job) error) error {
	operation := func() error {
		job, err := s.jobRepo.GetJob(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}

		if err := fn(job); err != nil {
			return backoff.Permanent(err)
		}

		if err := s.jobRepo.UpdateJob(ctx, job); err != nil {
			if errors.Is(err, analysis.ErrConcurrentModification) {
				s.metrics.IncUpdateConflicts(ctx)
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxConflictRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("job %s update failed: %w", jobID, err)
	}
	return nil
}
