package analyzing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/pkg/common/logger"
)

// defaultProviderTimeout bounds each provider's submit-to-result window when
// the job configuration does not set one.
const defaultProviderTimeout = 30 * time.Minute

// defaultMaxConcurrentProviders caps how many providers run at once per job.
const defaultMaxConcurrentProviders = 8

// Outcome classifies a completed fan-out.
type Outcome string

const (
	// OutcomeAllSucceeded means every configured provider produced a payload.
	OutcomeAllSucceeded Outcome = "ALL_SUCCEEDED"

	// OutcomePartialSuccess means at least one optional provider failed but
	// the job still completes with the surviving results.
	OutcomePartialSuccess Outcome = "PARTIAL_SUCCESS"

	// OutcomeFailed means the job cannot complete: a required provider failed
	// or no provider produced a payload.
	OutcomeFailed Outcome = "FAILED"
)

// FanOutResult is the aggregate of one fan-out run: every provider's result
// in configuration order, the job-level verdict, and, for failures, the
// reason and whether a retry could plausibly succeed.
type FanOutResult struct {
	Results       []analysis.ProviderResult
	Outcome       Outcome
	Summary       string
	FailureReason string
	Retryable     bool
}

// ProgressFn is invoked after each provider finishes so the caller can report
// fan-in progress. completed and total count providers; note names the
// provider that just finished.
type ProgressFn func(completed, total int, providerName, note string)

// ProviderOrchestrator fans one job out to its configured providers in
// parallel and collects their results. Provider failures are isolated: one
// provider failing or timing out never cancels its siblings.
type ProviderOrchestrator struct {
	registry       ProviderRegistry
	defaultTimeout time.Duration
	maxConcurrent  int

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// OrchestratorOption configures a ProviderOrchestrator.
type OrchestratorOption func(*ProviderOrchestrator)

// WithDefaultProviderTimeout overrides the per-provider timeout used when the
// job configuration does not set one.
func WithDefaultProviderTimeout(d time.Duration) OrchestratorOption {
	return func(o *ProviderOrchestrator) { o.defaultTimeout = d }
}

// WithMaxConcurrentProviders caps parallel provider execution per job.
func WithMaxConcurrentProviders(n int) OrchestratorOption {
	return func(o *ProviderOrchestrator) { o.maxConcurrent = n }
}

// NewProviderOrchestrator creates a ProviderOrchestrator resolving providers
// through the given registry.
func NewProviderOrchestrator(
	registry ProviderRegistry,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics WorkerMetrics,
	opts ...OrchestratorOption,
) *ProviderOrchestrator {
	o := &ProviderOrchestrator{
		registry:       registry,
		defaultTimeout: defaultProviderTimeout,
		maxConcurrent:  defaultMaxConcurrentProviders,
		logger:         logger.With("component", "provider_orchestrator"),
		tracer:         tracer,
		metrics:        metrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FanOut runs every configured provider against the asset and aggregates the
// results. It blocks until all providers finish or time out. The returned
// slice holds one result per configured provider, in configuration order.
func (o *ProviderOrchestrator) FanOut(
	ctx context.Context,
	req AnalyzeRequest,
	config analysis.Config,
	progress ProgressFn,
) FanOutResult {
	ctx, span := o.tracer.Start(ctx, "provider_orchestrator.analyzing.fan_out",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("asset_id", req.AssetID.String()),
			attribute.Int("provider_count", len(config.Providers)),
		))
	defer span.End()

	timeout := config.ProviderTimeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	results := make([]analysis.ProviderResult, len(config.Providers))
	total := len(config.Providers)
	var completed atomic.Int64

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrent)

	for i, spec := range config.Providers {
		g.Go(func() error {
			results[i] = o.runProvider(groupCtx, req, spec, timeout)

			done := int(completed.Add(1))
			if progress != nil {
				progress(done, total, spec.Name, fmt.Sprintf("provider %s finished", spec.Name))
			}
			// Sibling isolation: a provider's failure is data, not an error.
			return nil
		})
	}
	g.Wait()

	out := o.aggregate(config, results)
	span.AddEvent("fan_out_completed", trace.WithAttributes(
		attribute.String("outcome", string(out.Outcome)),
	))
	if out.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, out.FailureReason)
	} else {
		span.SetStatus(codes.Ok, out.Summary)
	}

	return out
}

// runProvider executes one provider under its own deadline and converts the
// result or error into a ProviderResult.
func (o *ProviderOrchestrator) runProvider(
	ctx context.Context,
	req AnalyzeRequest,
	spec analysis.ProviderSpec,
	timeout time.Duration,
) analysis.ProviderResult {
	ctx, span := o.tracer.Start(ctx, "provider_orchestrator.analyzing.run_provider",
		trace.WithAttributes(
			attribute.String("job_id", req.JobID.String()),
			attribute.String("provider", spec.Name),
			attribute.Bool("required", spec.Required),
		))
	defer span.End()

	provider, ok := o.registry.Get(spec.Name)
	if !ok {
		// Config validation should have caught this; an unknown name here
		// means the catalog changed between submission and execution.
		err := fmt.Errorf("provider %q not registered", spec.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider not registered")
		o.metrics.IncProviderFailures(ctx, spec.Name)
		return analysis.NewFailedResult(spec.Name, err.Error())
	}

	providerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	providerReq := req
	providerReq.Params = spec.Params

	start := time.Now()
	payload, err := provider.Analyze(providerCtx, providerReq)
	o.metrics.ObserveProviderDuration(ctx, spec.Name, time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(providerCtx.Err(), context.DeadlineExceeded) {
			span.SetStatus(codes.Error, "provider timed out")
			o.metrics.IncProviderTimeouts(ctx, spec.Name)
			o.logger.Warn(ctx, "Provider timed out",
				"job_id", req.JobID, "provider", spec.Name, "timeout", timeout)
			return analysis.NewTimedOutResult(spec.Name)
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		o.metrics.IncProviderFailures(ctx, spec.Name)
		o.logger.Error(ctx, "Provider failed",
			"job_id", req.JobID, "provider", spec.Name, "error", err)
		return analysis.NewFailedResult(spec.Name, err.Error())
	}

	span.AddEvent("provider_succeeded")
	span.SetStatus(codes.Ok, "provider succeeded")
	return analysis.NewSucceededResult(spec.Name, payload)
}

// aggregate applies the job-level decision rule over the per-provider
// results: all required providers must succeed and at least one provider
// must produce a payload.
func (o *ProviderOrchestrator) aggregate(config analysis.Config, results []analysis.ProviderResult) FanOutResult {
	var succeeded, timedOut int
	var failedRequired []string

	for i, r := range results {
		switch {
		case r.Succeeded():
			succeeded++
		case r.Status() == analysis.ResultStatusTimedOut:
			timedOut++
		}
		if !r.Succeeded() && config.Providers[i].Required {
			failedRequired = append(failedRequired, r.ProviderName())
		}
	}

	out := FanOutResult{
		Results: results,
		Summary: fmt.Sprintf("%d/%d providers succeeded", succeeded, len(results)),
	}

	switch {
	case len(failedRequired) > 0:
		out.Outcome = OutcomeFailed
		out.FailureReason = fmt.Sprintf("required provider(s) failed: %s", strings.Join(failedRequired, ", "))
		// Timeouts may clear up on retry; a provider that answered with an
		// error will answer the same way again.
		out.Retryable = timedOut > 0
	case succeeded == 0:
		out.Outcome = OutcomeFailed
		out.FailureReason = "all providers failed"
		out.Retryable = timedOut > 0
	case succeeded == len(results):
		out.Outcome = OutcomeAllSucceeded
	default:
		out.Outcome = OutcomePartialSuccess
	}

	return out
}
