package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/framesift/framesift/internal/infra/eventbus/kafka"
)

// ControllerMetrics defines metrics operations needed by the controller's
// job lifecycle services.
type ControllerMetrics interface {
	// EventBus metrics.
	kafka.EventBusMetrics

	// Job lifecycle metrics.
	IncJobsSubmitted(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context)
	IncJobsRetried(ctx context.Context)
	ObserveJobDuration(ctx context.Context, duration time.Duration)

	// Progress fan-in metrics.
	IncProgressUpdates(ctx context.Context)
	IncStaleProgressUpdates(ctx context.Context)

	// Optimistic concurrency metrics.
	IncUpdateConflicts(ctx context.Context)
}

type controllerMetrics struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Job lifecycle metrics.
	jobsSubmitted metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsRetried   metric.Int64Counter
	jobDuration   metric.Float64Histogram

	// Progress metrics.
	progressUpdates      metric.Int64Counter
	staleProgressUpdates metric.Int64Counter

	// Store contention metrics.
	updateConflicts metric.Int64Counter
}

const namespace = "controller"

// NewControllerMetrics creates a new controller metrics instance.
func NewControllerMetrics(mp metric.MeterProvider) (*controllerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(controllerMetrics)
	var err error

	if c.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if c.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if c.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if c.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if c.jobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of analysis jobs submitted"),
	); err != nil {
		return nil, err
	}

	if c.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of analysis jobs completed successfully"),
	); err != nil {
		return nil, err
	}

	if c.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of analysis jobs that failed terminally"),
	); err != nil {
		return nil, err
	}

	if c.jobsRetried, err = meter.Int64Counter(
		"jobs_retried_total",
		metric.WithDescription("Total number of analysis jobs requeued after a retryable failure"),
	); err != nil {
		return nil, err
	}

	if c.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Duration of analysis jobs from start to terminal state"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if c.progressUpdates, err = meter.Int64Counter(
		"progress_updates_total",
		metric.WithDescription("Total number of progress updates applied"),
	); err != nil {
		return nil, err
	}

	if c.staleProgressUpdates, err = meter.Int64Counter(
		"stale_progress_updates_total",
		metric.WithDescription("Total number of out-of-order progress updates accepted"),
	); err != nil {
		return nil, err
	}

	if c.updateConflicts, err = meter.Int64Counter(
		"update_conflicts_total",
		metric.WithDescription("Total number of optimistic-concurrency conflicts on job updates"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *controllerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	c.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (c *controllerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	c.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (c *controllerMetrics) IncPublishError(ctx context.Context, topic string) {
	c.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (c *controllerMetrics) IncConsumeError(ctx context.Context, topic string) {
	c.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (c *controllerMetrics) IncJobsSubmitted(ctx context.Context) { c.jobsSubmitted.Add(ctx, 1) }
func (c *controllerMetrics) IncJobsCompleted(ctx context.Context) { c.jobsCompleted.Add(ctx, 1) }
func (c *controllerMetrics) IncJobsFailed(ctx context.Context)    { c.jobsFailed.Add(ctx, 1) }
func (c *controllerMetrics) IncJobsRetried(ctx context.Context)   { c.jobsRetried.Add(ctx, 1) }

func (c *controllerMetrics) ObserveJobDuration(ctx context.Context, duration time.Duration) {
	c.jobDuration.Record(ctx, duration.Seconds())
}

func (c *controllerMetrics) IncProgressUpdates(ctx context.Context) {
	c.progressUpdates.Add(ctx, 1)
}
func (c *controllerMetrics) IncStaleProgressUpdates(ctx context.Context) {
	c.staleProgressUpdates.Add(ctx, 1)
}
func (c *controllerMetrics) IncUpdateConflicts(ctx context.Context) {
	c.updateConflicts.Add(ctx, 1)
}
