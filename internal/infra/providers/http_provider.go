package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/app/analyzing"
	"github.com/framesift/framesift/pkg/common"
	"github.com/framesift/framesift/pkg/common/logger"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 10
	defaultPollInterval      = 2 * time.Second
	maxPollInterval          = 30 * time.Second
)

var _ analyzing.Provider = (*HTTPProvider)(nil)

// HTTPProvider talks to one external analysis backend over its HTTP API. An
// analysis is submitted asynchronously: the backend returns an analysis ID and
// the provider polls its status until a terminal answer or context deadline.
// Submission is rate limited per backend quota.
type HTTPProvider struct {
	name         string
	baseURL      string
	apiKey       string
	pollInterval time.Duration

	client      *http.Client
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHTTPProvider creates a provider for one catalog entry. The API key is
// resolved from the entry's environment variable at construction.
func NewHTTPProvider(entry CatalogEntry, client *http.Client, log *logger.Logger, tracer trace.Tracer) *HTTPProvider {
	rps := entry.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := entry.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	pollInterval := entry.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	var apiKey string
	if entry.APIKeyEnv != "" {
		apiKey = os.Getenv(entry.APIKeyEnv)
	}

	return &HTTPProvider{
		name:         entry.Name,
		baseURL:      entry.BaseURL,
		apiKey:       apiKey,
		pollInterval: pollInterval,
		client:       client,
		rateLimiter:  common.NewRateLimiter(rps, burst),
		logger:       log.With("component", "http_provider", "provider", entry.Name),
		tracer:       tracer,
	}
}

// Name returns the catalog name of the backend.
func (p *HTTPProvider) Name() string { return p.name }

// submitRequest is the wire form of an analysis submission.
type submitRequest struct {
	JobID                string         `json:"job_id"`
	AssetID              string         `json:"asset_id"`
	StorageLocator       string         `json:"storage_locator"`
	DurationSeconds      float64        `json:"duration_seconds"`
	ChunkDurationSeconds float64        `json:"chunk_duration_seconds"`
	Goals                []string       `json:"analysis_goals,omitempty"`
	Params               map[string]any `json:"params,omitempty"`
}

// analysisStatus is the wire form of the backend's status answer.
type analysisStatus struct {
	AnalysisID string          `json:"analysis_id"`
	Status     string          `json:"status"`
	Fraction   float64         `json:"fraction,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Backend status values.
const (
	statusPending   = "PENDING"
	statusRunning   = "RUNNING"
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
)

// Analyze submits the asset to the backend and polls until it answers. The
// caller's context deadline bounds the whole exchange; overrunning it surfaces
// as context.DeadlineExceeded so the orchestrator records a timeout.
func (p *HTTPProvider) Analyze(ctx context.Context, req analyzing.AnalyzeRequest) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "http_provider.analyze",
		trace.WithAttributes(
			attribute.String("provider", p.name),
			attribute.String("job_id", req.JobID.String()),
			attribute.String("asset_id", req.AssetID.String()),
		))
	defer span.End()

	analysisID, err := p.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return nil, err
	}
	span.AddEvent("analysis_submitted", trace.WithAttributes(
		attribute.String("analysis_id", analysisID),
	))

	payload, err := p.poll(ctx, analysisID, req.ReportProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "analysis succeeded")
	return payload, nil
}

// submit posts the analysis request, respecting the backend's rate limit.
func (p *HTTPProvider) submit(ctx context.Context, req analyzing.AnalyzeRequest) (string, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	body, err := json.Marshal(submitRequest{
		JobID:                req.JobID.String(),
		AssetID:              req.AssetID.String(),
		StorageLocator:       req.StorageLocator,
		DurationSeconds:      req.DurationSeconds,
		ChunkDurationSeconds: req.ChunkDurationSeconds,
		Goals:                req.Goals,
		Params:               req.Params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/analyses", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submission request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit analysis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("backend rejected submission: %s: %s", resp.Status, msg)
	}

	var status analysisStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("decode submission response: %w", err)
	}
	if status.AnalysisID == "" {
		return "", fmt.Errorf("backend returned no analysis id")
	}
	return status.AnalysisID, nil
}

// poll checks the analysis status until the backend answers terminally. The
// interval grows exponentially up to a cap; transient HTTP errors are retried
// the same way.
func (p *HTTPProvider) poll(ctx context.Context, analysisID string, report func(fraction float64, note string)) (json.RawMessage, error) {
	var payload json.RawMessage

	operation := func() error {
		status, err := p.fetchStatus(ctx, analysisID)
		if err != nil {
			p.logger.Warn(ctx, "Status poll failed, retrying", "analysis_id", analysisID, "error", err)
			return err
		}

		switch status.Status {
		case statusSucceeded:
			payload = status.Result
			return nil
		case statusFailed:
			return backoff.Permanent(fmt.Errorf("backend analysis failed: %s", status.Error))
		case statusPending, statusRunning:
			if report != nil && status.Fraction > 0 {
				report(status.Fraction, fmt.Sprintf("%s at %.0f%%", p.name, status.Fraction*100))
			}
			return fmt.Errorf("analysis %s still %s", analysisID, status.Status)
		default:
			return backoff.Permanent(fmt.Errorf("backend returned unknown status %q", status.Status))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.pollInterval
	policy.MaxInterval = maxPollInterval
	policy.MaxElapsedTime = 0 // the context deadline bounds polling

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return payload, nil
}

func (p *HTTPProvider) fetchStatus(ctx context.Context, analysisID string) (*analysisStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/analyses/"+analysisID, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, msg)
	}

	var status analysisStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &status, nil
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}
