package analyzing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/domain/events"
	"github.com/framesift/framesift/pkg/common/logger"
)

const (
	// defaultSoftTimeLimit is how long a task may run before the worker
	// abandons it and reports a retryable soft-timeout failure.
	defaultSoftTimeLimit = 100 * time.Minute

	// defaultHardTimeLimit is the absolute ceiling on task execution,
	// including outcome reporting.
	defaultHardTimeLimit = 2 * time.Hour
)

// TaskHandler consumes task envelopes and executes the provider fan-out for
// each. It reports every lifecycle change back to the controller through
// events and acknowledges the envelope only after the outcome is published,
// so a worker crash mid-task leads to redelivery rather than a lost job.
type TaskHandler struct {
	workerID string

	assetRepo    asset.Repository
	orchestrator *ProviderOrchestrator
	publisher    events.DomainEventPublisher

	softTimeLimit time.Duration
	hardTimeLimit time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// TaskHandlerOption configures a TaskHandler.
type TaskHandlerOption func(*TaskHandler)

// WithSoftTimeLimit overrides the soft execution limit.
func WithSoftTimeLimit(d time.Duration) TaskHandlerOption {
	return func(h *TaskHandler) { h.softTimeLimit = d }
}

// WithHardTimeLimit overrides the hard execution limit.
func WithHardTimeLimit(d time.Duration) TaskHandlerOption {
	return func(h *TaskHandler) { h.hardTimeLimit = d }
}

// NewTaskHandler creates a TaskHandler for the given worker identity.
func NewTaskHandler(
	workerID string,
	assetRepo asset.Repository,
	orchestrator *ProviderOrchestrator,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics WorkerMetrics,
	opts ...TaskHandlerOption,
) *TaskHandler {
	h := &TaskHandler{
		workerID:      workerID,
		assetRepo:     assetRepo,
		orchestrator:  orchestrator,
		publisher:     publisher,
		softTimeLimit: defaultSoftTimeLimit,
		hardTimeLimit: defaultHardTimeLimit,
		logger:        logger.With("component", "task_handler", "worker_id", workerID),
		tracer:        tracer,
		metrics:       metrics,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers the handler for task envelopes on the given bus.
func (h *TaskHandler) Subscribe(ctx context.Context, bus events.EventBus) error {
	if err := bus.Subscribe(ctx,
		[]events.EventType{analysis.EventTypeAnalysisScheduled},
		h.HandleAnalysisScheduled,
	); err != nil {
		return fmt.Errorf("failed to subscribe to task envelopes: %w", err)
	}
	return nil
}

// HandleAnalysisScheduled executes one task envelope end to end. The envelope
// is acked only after a terminal outcome event has been published; any
// earlier failure leaves it on the queue for redelivery.
func (h *TaskHandler) HandleAnalysisScheduled(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	ctx, span := h.tracer.Start(ctx, "task_handler.analyzing.handle_analysis_scheduled",
		trace.WithAttributes(attribute.String("worker_id", h.workerID)))
	defer span.End()

	task, ok := evt.Payload.(analysis.AnalysisScheduledEvent)
	if !ok {
		err := fmt.Errorf("invalid event payload type: %T", evt.Payload)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event payload type")
		// A malformed envelope will never become valid; drop it.
		ack(nil)
		return err
	}

	span.SetAttributes(
		attribute.String("job_id", task.JobID.String()),
		attribute.String("asset_id", task.AssetID.String()),
	)
	h.metrics.IncTasksStarted(ctx)
	h.logger.Info(ctx, "Picked up analysis task",
		"job_id", task.JobID, "asset_id", task.AssetID, "providers", task.Config.ProviderNames())

	// The hard limit bounds everything, outcome reporting included. The soft
	// limit bounds provider execution only, leaving room to report a
	// soft-timeout before the hard limit cuts the task off.
	hardCtx, hardCancel := context.WithTimeout(ctx, h.hardTimeLimit)
	defer hardCancel()

	if err := h.publisher.PublishDomainEvent(hardCtx,
		analysis.NewJobStartedEvent(task.JobID, task.AssetID, h.workerID),
		events.WithKey(task.JobID.String()),
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish job started")
		ack(err)
		return fmt.Errorf("failed to publish job started for %s: %w", task.JobID, err)
	}
	span.AddEvent("job_started_published")

	outcome, err := h.execute(hardCtx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to execute task")
		ack(err)
		return err
	}

	if err := h.publishOutcome(hardCtx, task, outcome); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish outcome")
		ack(err)
		return err
	}

	span.AddEvent("outcome_published", trace.WithAttributes(
		attribute.String("outcome", string(outcome.Outcome)),
	))
	span.SetStatus(codes.Ok, "task handled")
	ack(nil)
	return nil
}

// execute loads the asset and runs the provider fan-out under the soft limit.
// A fan-out cut short by the soft limit is rewritten into a retryable
// soft-timeout failure.
func (h *TaskHandler) execute(ctx context.Context, task analysis.AnalysisScheduledEvent) (FanOutResult, error) {
	softCtx, softCancel := context.WithTimeout(ctx, h.softTimeLimit)
	defer softCancel()

	a, err := h.assetRepo.GetAsset(softCtx, task.AssetID)
	if err != nil {
		if errors.Is(err, asset.ErrAssetNotFound) {
			// The asset is gone for good; fail without retry.
			return FanOutResult{
				Outcome:       OutcomeFailed,
				FailureReason: fmt.Sprintf("asset %s not found", task.AssetID),
				Retryable:     false,
			}, nil
		}
		return FanOutResult{}, fmt.Errorf("failed to load asset %s: %w", task.AssetID, err)
	}

	req := AnalyzeRequest{
		JobID:                task.JobID,
		AssetID:              task.AssetID,
		StorageLocator:       a.StorageLocator(),
		DurationSeconds:      a.DurationSeconds(),
		ChunkDurationSeconds: task.Config.ChunkDurationSeconds,
		Goals:                task.Config.Goals,
	}

	var seq atomic.Int64
	progress := func(completed, total int, providerName, note string) {
		evt := analysis.NewJobProgressedEvent(
			task.JobID, providerName, seq.Add(1), completed, total, note)
		if err := h.publisher.PublishDomainEvent(ctx, evt, events.WithKey(task.JobID.String())); err != nil {
			// Progress is advisory; the terminal outcome carries the truth.
			h.logger.Warn(ctx, "Failed to publish progress",
				"job_id", task.JobID, "provider", providerName, "error", err)
		}
	}

	out := h.orchestrator.FanOut(softCtx, req, task.Config, progress)

	if errors.Is(softCtx.Err(), context.DeadlineExceeded) {
		h.metrics.IncSoftTimeouts(ctx)
		h.logger.Warn(ctx, "Task hit soft time limit",
			"job_id", task.JobID, "limit", h.softTimeLimit)
		out.Outcome = OutcomeFailed
		out.FailureReason = "soft-timeout"
		out.Retryable = true
	}

	return out, nil
}

// publishOutcome reports the fan-out verdict to the controller.
func (h *TaskHandler) publishOutcome(ctx context.Context, task analysis.AnalysisScheduledEvent, out FanOutResult) error {
	key := events.WithKey(task.JobID.String())

	if out.Outcome == OutcomeFailed {
		h.metrics.IncTasksFailed(ctx)
		evt := analysis.NewJobFailedEvent(task.JobID, task.AssetID, out.FailureReason, out.Retryable, out.Results)
		if err := h.publisher.PublishDomainEvent(ctx, evt, key); err != nil {
			return fmt.Errorf("failed to publish job failed for %s: %w", task.JobID, err)
		}
		h.logger.Info(ctx, "Analysis task failed",
			"job_id", task.JobID, "reason", out.FailureReason, "retryable", out.Retryable)
		return nil
	}

	h.metrics.IncTasksCompleted(ctx)
	evt := analysis.NewJobCompletedEvent(task.JobID, task.AssetID, out.Results, out.Summary)
	if err := h.publisher.PublishDomainEvent(ctx, evt, key); err != nil {
		return fmt.Errorf("failed to publish job completed for %s: %w", task.JobID, err)
	}
	h.logger.Info(ctx, "Analysis task completed",
		"job_id", task.JobID, "summary", out.Summary)
	return nil
}
