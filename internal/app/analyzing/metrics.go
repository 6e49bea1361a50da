package analyzing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/framesift/framesift/internal/infra/eventbus/kafka"
)

// WorkerMetrics defines metrics operations needed by the worker's task
// execution pipeline.
type WorkerMetrics interface {
	// EventBus metrics.
	kafka.EventBusMetrics

	// Task metrics.
	IncTasksStarted(ctx context.Context)
	IncTasksCompleted(ctx context.Context)
	IncTasksFailed(ctx context.Context)
	IncSoftTimeouts(ctx context.Context)

	// Provider metrics.
	ObserveProviderDuration(ctx context.Context, provider string, duration time.Duration)
	IncProviderFailures(ctx context.Context, provider string)
	IncProviderTimeouts(ctx context.Context, provider string)
}

type workerMetrics struct {
	// Broker metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Task metrics.
	tasksStarted   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	softTimeouts   metric.Int64Counter

	// Provider metrics.
	providerDuration metric.Float64Histogram
	providerFailures metric.Int64Counter
	providerTimeouts metric.Int64Counter
}

const namespace = "worker"

// NewWorkerMetrics creates a new worker metrics instance.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.tasksStarted, err = meter.Int64Counter(
		"tasks_started_total",
		metric.WithDescription("Total number of analysis tasks picked up"),
	); err != nil {
		return nil, err
	}

	if m.tasksCompleted, err = meter.Int64Counter(
		"tasks_completed_total",
		metric.WithDescription("Total number of analysis tasks completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.tasksFailed, err = meter.Int64Counter(
		"tasks_failed_total",
		metric.WithDescription("Total number of analysis tasks that reported failure"),
	); err != nil {
		return nil, err
	}

	if m.softTimeouts, err = meter.Int64Counter(
		"soft_timeouts_total",
		metric.WithDescription("Total number of tasks abandoned at the soft time limit"),
	); err != nil {
		return nil, err
	}

	if m.providerDuration, err = meter.Float64Histogram(
		"provider_duration_seconds",
		metric.WithDescription("Time taken by each provider to analyze an asset"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.providerFailures, err = meter.Int64Counter(
		"provider_failures_total",
		metric.WithDescription("Total number of provider failures"),
	); err != nil {
		return nil, err
	}

	if m.providerTimeouts, err = meter.Int64Counter(
		"provider_timeouts_total",
		metric.WithDescription("Total number of provider timeouts"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (m *workerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (m *workerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
func (m *workerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncTasksStarted(ctx context.Context)   { m.tasksStarted.Add(ctx, 1) }
func (m *workerMetrics) IncTasksCompleted(ctx context.Context) { m.tasksCompleted.Add(ctx, 1) }
func (m *workerMetrics) IncTasksFailed(ctx context.Context)    { m.tasksFailed.Add(ctx, 1) }
func (m *workerMetrics) IncSoftTimeouts(ctx context.Context)   { m.softTimeouts.Add(ctx, 1) }

func (m *workerMetrics) ObserveProviderDuration(ctx context.Context, provider string, duration time.Duration) {
	m.providerDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)))
}
func (m *workerMetrics) IncProviderFailures(ctx context.Context, provider string) {
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
func (m *workerMetrics) IncProviderTimeouts(ctx context.Context, provider string) {
	m.providerTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
