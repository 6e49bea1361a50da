package orchestration

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/events"
)

// EventsFacilitator routes worker-reported job events into the JobService. It
// performs no domain logic itself: payloads are validated, delegated, and the
// underlying message is acknowledged only after the state change is durable.
// A failed handler leaves the message unacked so the transport redelivers it.
type EventsFacilitator struct {
	jobService *JobService
	tracer     trace.Tracer
}

// NewEventsFacilitator constructs an EventsFacilitator that folds worker
// events into job state through the given service.
func NewEventsFacilitator(jobService *JobService, tracer trace.Tracer) *EventsFacilitator {
	return &EventsFacilitator{jobService: jobService, tracer: tracer}
}

// Subscribe registers the facilitator's handlers for all worker-reported
// event types on the given bus.
func (ef *EventsFacilitator) Subscribe(ctx context.Context, bus events.EventBus) error {
	handlers := map[events.EventType]events.HandlerFunc{
		analysis.EventTypeJobStarted:    ef.HandleJobStarted,
		analysis.EventTypeJobProgressed: ef.HandleJobProgressed,
		analysis.EventTypeJobCompleted:  ef.HandleJobCompleted,
		analysis.EventTypeJobFailed:     ef.HandleJobFailed,
	}

	for eventType, handler := range handlers {
		if err := bus.Subscribe(ctx, []events.EventType{eventType}, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s events: %w", eventType, err)
		}
	}
	return nil
}

// withSpan centralizes trace creation, error recording and acknowledgment.
// The ack carries the handler's error so failed events stay on the queue.
func (ef *EventsFacilitator) withSpan(
	ctx context.Context,
	operationName string,
	fn func(ctx context.Context, span trace.Span) error,
	ack events.AckFunc,
) error {
	ctx, span := ef.tracer.Start(ctx, operationName)
	defer span.End()

	err := fn(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	ack(err)

	return err
}

// recordPayloadTypeError standardizes error creation and recording for
// invalid event payload types.
func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("invalid event payload type: %T", payload)
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}

// HandleJobStarted processes a JobStartedEvent.
func (ef *EventsFacilitator) HandleJobStarted(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_job_started", func(ctx context.Context, span trace.Span) error {
		startedEvt, ok := evt.Payload.(analysis.JobStartedEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		span.AddEvent("job_started_received", trace.WithAttributes(
			attribute.String("job_id", startedEvt.JobID.String()),
			attribute.String("worker_id", startedEvt.WorkerID),
		))

		if err := ef.jobService.MarkJobStarted(ctx, startedEvt.JobID); err != nil {
			return fmt.Errorf("failed to mark job started: %w", err)
		}

		span.SetStatus(codes.Ok, "job start recorded")
		return nil
	}, ack)
}

// HandleJobProgressed processes a JobProgressedEvent. The job-level fraction
// is derived from completed over total providers, so progress from providers
// finishing in any order still converges.
func (ef *EventsFacilitator) HandleJobProgressed(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_job_progressed", func(ctx context.Context, span trace.Span) error {
		progressEvt, ok := evt.Payload.(analysis.JobProgressedEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		fraction := 0.0
		if progressEvt.TotalProviders > 0 {
			fraction = float64(progressEvt.CompletedProviders) / float64(progressEvt.TotalProviders)
		}

		span.AddEvent("job_progress_received", trace.WithAttributes(
			attribute.String("job_id", progressEvt.JobID.String()),
			attribute.Int64("sequence_num", progressEvt.SequenceNum),
			attribute.Float64("fraction", fraction),
		))

		progress := analysis.NewProgress(progressEvt.JobID, progressEvt.SequenceNum, fraction, progressEvt.Note)
		if err := ef.jobService.ApplyJobProgress(ctx, progress); err != nil {
			return fmt.Errorf("failed to apply job progress: %w", err)
		}

		span.SetStatus(codes.Ok, "job progress applied")
		return nil
	}, ack)
}

// HandleJobCompleted processes a JobCompletedEvent.
func (ef *EventsFacilitator) HandleJobCompleted(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_job_completed", func(ctx context.Context, span trace.Span) error {
		completedEvt, ok := evt.Payload.(analysis.JobCompletedEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		span.AddEvent("job_completion_received", trace.WithAttributes(
			attribute.String("job_id", completedEvt.JobID.String()),
			attribute.Int("result_count", len(completedEvt.Results)),
		))

		if err := ef.jobService.CompleteJob(ctx, completedEvt.JobID, completedEvt.Results, completedEvt.Summary); err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}

		span.SetStatus(codes.Ok, "job completion recorded")
		return nil
	}, ack)
}

// HandleJobFailed processes a JobFailedEvent.
func (ef *EventsFacilitator) HandleJobFailed(
	ctx context.Context,
	evt events.EventEnvelope,
	ack events.AckFunc,
) error {
	return ef.withSpan(ctx, "events_facilitator.handle_job_failed", func(ctx context.Context, span trace.Span) error {
		failedEvt, ok := evt.Payload.(analysis.JobFailedEvent)
		if !ok {
			return recordPayloadTypeError(span, evt.Payload)
		}

		span.AddEvent("job_failure_received", trace.WithAttributes(
			attribute.String("job_id", failedEvt.JobID.String()),
			attribute.String("reason", failedEvt.Reason),
			attribute.Bool("retryable", failedEvt.Retryable),
		))

		if err := ef.jobService.FailJob(ctx, failedEvt.JobID, failedEvt.Reason, failedEvt.Retryable, failedEvt.Results); err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}

		span.SetStatus(codes.Ok, "job failure recorded")
		return nil
	}, ack)
}
