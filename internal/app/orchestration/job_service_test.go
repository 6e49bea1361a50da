package orchestration

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/domain/events"
	analysismem "github.com/framesift/framesift/internal/infra/storage/analysis/memory"
	assetmem "github.com/framesift/framesift/internal/infra/storage/asset/memory"
	"github.com/framesift/framesift/pkg/common/logger"
)

// capturingPublisher records published domain events for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	keys   []string
	err    error
}

func (p *capturingPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	if p.err != nil {
		return p.err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.keys = append(p.keys, params.Key)
	return nil
}

func (p *capturingPublisher) published() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.DomainEvent, len(p.events))
	copy(out, p.events)
	return out
}

// conflictingJobRepo fails the first N UpdateJob calls with a version
// conflict, simulating a racing writer.
type conflictingJobRepo struct {
	analysis.JobRepository
	mu        sync.Mutex
	conflicts int
}

func (r *conflictingJobRepo) UpdateJob(ctx context.Context, job *analysis.Job) error {
	r.mu.Lock()
	if r.conflicts > 0 {
		r.conflicts--
		r.mu.Unlock()
		return analysis.ErrConcurrentModification
	}
	r.mu.Unlock()
	return r.JobRepository.UpdateJob(ctx, job)
}

type serviceHarness struct {
	svc       *JobService
	jobRepo   analysis.JobRepository
	assetRepo asset.Repository
	publisher *capturingPublisher
}

func setupService(t *testing.T) *serviceHarness {
	t.Helper()
	return setupServiceWithRepo(t, analysismem.NewJobStore())
}

func setupServiceWithRepo(t *testing.T, jobRepo analysis.JobRepository) *serviceHarness {
	t.Helper()

	assetRepo := assetmem.NewAssetStore()
	publisher := &capturingPublisher{}
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)

	metrics, err := NewControllerMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	known := map[string]struct{}{
		"transcription":    {},
		"object-detection": {},
		"scene-detection":  {},
	}

	svc := NewJobService(
		"test-controller",
		jobRepo,
		assetRepo,
		publisher,
		known,
		log,
		tracenoop.NewTracerProvider().Tracer("test"),
		metrics,
	)

	return &serviceHarness{svc: svc, jobRepo: jobRepo, assetRepo: assetRepo, publisher: publisher}
}

func (h *serviceHarness) registerAsset(t *testing.T) *asset.Asset {
	t.Helper()
	a, err := asset.New(
		uuid.New(),
		"s3://media/clips/test.mp4",
		120.5,
		asset.MediaMetadata{Width: 1920, Height: 1080, FrameRate: 29.97, Codec: "h264"},
		"s3",
	)
	require.NoError(t, err)
	require.NoError(t, h.assetRepo.CreateAsset(context.Background(), a))
	return a
}

func testConfig() analysis.Config {
	return analysis.Config{
		Providers: []analysis.ProviderSpec{
			{Name: "transcription", Required: true},
			{Name: "object-detection"},
		},
		ChunkDurationSeconds: 30,
	}
}

func TestSubmitAnalysis_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NotNil(t, job)

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusQueued, stored.Status())

	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusProcessing, updatedAsset.Status())

	published := h.publisher.published()
	require.Len(t, published, 1)
	scheduled, ok := published[0].(analysis.AnalysisScheduledEvent)
	require.True(t, ok)
	assert.Equal(t, job.JobID(), scheduled.JobID)
	assert.Equal(t, a.ID(), scheduled.AssetID)
	assert.Equal(t, job.JobID().String(), h.publisher.keys[0])
}

func TestSubmitAnalysis_InvalidConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	tests := []struct {
		name   string
		config analysis.Config
	}{
		{
			name:   "no providers",
			config: analysis.Config{ChunkDurationSeconds: 30},
		},
		{
			name: "unknown provider",
			config: analysis.Config{
				Providers:            []analysis.ProviderSpec{{Name: "face-swap"}},
				ChunkDurationSeconds: 30,
			},
		},
		{
			name: "duplicate provider",
			config: analysis.Config{
				Providers: []analysis.ProviderSpec{
					{Name: "transcription"},
					{Name: "transcription"},
				},
				ChunkDurationSeconds: 30,
			},
		},
		{
			name: "zero chunk duration",
			config: analysis.Config{
				Providers: []analysis.ProviderSpec{{Name: "transcription"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SubmitAnalysis(ctx, a.ID(), tt.config)
			var vErr analysis.ValidationError
			require.ErrorAs(t, err, &vErr)
		})
	}

	// No job or task envelope came out of any rejected submission.
	assert.Empty(t, h.publisher.published())
	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusUploaded, updatedAsset.Status())
}

func TestSubmitAnalysis_AssetNotFound(t *testing.T) {
	t.Parallel()
	h := setupService(t)

	_, err := h.svc.SubmitAnalysis(context.Background(), uuid.New(), testConfig())
	assert.ErrorIs(t, err, asset.ErrAssetNotFound)
}

func TestSubmitAnalysis_AssetBusy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	first, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)

	_, err = h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	var busy analysis.AssetBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, first.JobID().String(), busy.JobID)

	// The occupying job is unaffected by the rejection.
	stored, err := h.jobRepo.GetJob(ctx, first.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusQueued, stored.Status())
	assert.Len(t, h.publisher.published(), 1)
}

func TestMarkJobStarted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)

	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusStarted, stored.Status())
	assert.False(t, stored.StartTime().IsZero())
}

func TestMarkJobStarted_RedeliveredStartDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	// A second start from a redelivered envelope is swallowed, not failed.
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusStarted, stored.Status())
}

func TestApplyJobProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	require.NoError(t, h.svc.ApplyJobProgress(ctx, analysis.NewProgress(job.JobID(), 1, 0.5, "transcription done")))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusProgressing, stored.Status())
	assert.InDelta(t, 0.5, stored.ProgressFraction(), 0.001)

	// A stale update keeps the high-water mark.
	require.NoError(t, h.svc.ApplyJobProgress(ctx, analysis.NewProgress(job.JobID(), 1, 0.25, "late")))

	stored, err = h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stored.ProgressFraction(), 0.001)
	assert.Equal(t, 1, stored.StaleProgressCount())
}

func TestApplyJobProgress_LateUpdateAfterTerminalDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), nil, "done"))

	// A progress update overtaken by the completion on its own topic is
	// swallowed, so the consumer can ack instead of redelivering forever.
	require.NoError(t, h.svc.ApplyJobProgress(ctx, analysis.NewProgress(job.JobID(), 3, 0.7, "straggler")))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())
}

func TestApplyJobProgress_UpdateAfterRequeueDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "soft-timeout", true, nil))

	// The first attempt's straggling progress must not error against the
	// requeued job waiting for its retry.
	require.NoError(t, h.svc.ApplyJobProgress(ctx, analysis.NewProgress(job.JobID(), 2, 0.9, "straggler")))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusQueued, stored.Status())
}

func TestCompleteJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	results := []analysis.ProviderResult{
		analysis.NewSucceededResult("transcription", []byte(`{"text":"hello"}`)),
		analysis.NewSucceededResult("object-detection", []byte(`{"objects":[]}`)),
	}
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), results, "2/2 providers succeeded"))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())
	assert.Equal(t, "2/2 providers succeeded", stored.ResultSummary())
	assert.Len(t, stored.Results(), 2)

	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusCompleted, updatedAsset.Status())
}

func TestCompleteJob_RetrySupersedesFailedAttemptResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	// First attempt: the optional provider succeeds but the required one
	// times out, so the job requeues carrying both results.
	firstAttempt := []analysis.ProviderResult{
		analysis.NewSucceededResult("object-detection", []byte(`{"objects":["cat"]}`)),
		analysis.NewTimedOutResult("transcription"),
	}
	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "soft-timeout", true, firstAttempt))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusQueued, stored.Status())

	// Retry attempt: both providers succeed. The fresh transcription result
	// must replace the stale timed-out one.
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
	secondAttempt := []analysis.ProviderResult{
		analysis.NewSucceededResult("transcription", []byte(`{"text":"hello"}`)),
		analysis.NewSucceededResult("object-detection", []byte(`{"objects":["cat"]}`)),
	}
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), secondAttempt, "2/2 providers succeeded"))

	stored, err = h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())

	merged := stored.MergedResults()
	require.Len(t, merged, 2)
	assert.Equal(t, "transcription", merged[0].ProviderName())
	assert.JSONEq(t, `{"text":"hello"}`, string(merged[0].Payload()))
	assert.Equal(t, "object-detection", merged[1].ProviderName())

	// One result per provider survived, not one per attempt.
	assert.Len(t, stored.Results(), 2)
}

func TestCompleteJob_RedeliveredCompletionIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	results := []analysis.ProviderResult{
		analysis.NewSucceededResult("transcription", []byte(`{"text":"hello"}`)),
	}
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), results, "done"))
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), results, "done"))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())
	assert.Len(t, stored.Results(), 1)
}

func TestFailJob_RetryableRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "soft-timeout", true, nil))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusQueued, stored.Status())
	assert.Equal(t, 1, stored.RetryCount())

	// A fresh task envelope followed the original submission's.
	published := h.publisher.published()
	require.Len(t, published, 2)
	_, ok := published[1].(analysis.AnalysisScheduledEvent)
	assert.True(t, ok)

	// The asset stays occupied while the retry runs.
	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusProcessing, updatedAsset.Status())
}

func TestFailJob_BudgetExhaustedFailsTerminally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)

	for i := 0; i < analysis.DefaultMaxRetries; i++ {
		require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
		require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "soft-timeout", true, nil))

		stored, err := h.jobRepo.GetJob(ctx, job.JobID())
		require.NoError(t, err)
		require.Equal(t, analysis.JobStatusQueued, stored.Status())
	}

	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "soft-timeout", true, nil))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusFailed, stored.Status())
	assert.Equal(t, analysis.DefaultMaxRetries, stored.RetryCount())
	assert.Equal(t, "soft-timeout", stored.FailureReason())

	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, updatedAsset.Status())
}

func TestFailJob_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	results := []analysis.ProviderResult{
		analysis.NewFailedResult("transcription", "unsupported codec"),
	}
	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "required provider(s) failed: transcription", false, results))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusFailed, stored.Status())
	assert.Zero(t, stored.RetryCount())
	require.Len(t, stored.Results(), 1)

	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, updatedAsset.Status())
}

func TestFailJob_LateFailureAfterCompletionDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := setupService(t)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))
	require.NoError(t, h.svc.CompleteJob(ctx, job.JobID(), nil, "done"))

	// A failure report racing the completion carries no new information.
	require.NoError(t, h.svc.FailJob(ctx, job.JobID(), "late report", true, nil))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())

	updatedAsset, err := h.assetRepo.GetAsset(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, asset.StatusCompleted, updatedAsset.Status())
}

func TestMutateJob_RetriesOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo := &conflictingJobRepo{JobRepository: analysismem.NewJobStore()}
	h := setupServiceWithRepo(t, repo)
	a := h.registerAsset(t)

	job, err := h.svc.SubmitAnalysis(ctx, a.ID(), testConfig())
	require.NoError(t, err)

	// Two simulated racing writers, then success on the third attempt.
	repo.mu.Lock()
	repo.conflicts = 2
	repo.mu.Unlock()

	require.NoError(t, h.svc.MarkJobStarted(ctx, job.JobID()))

	stored, err := h.jobRepo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusStarted, stored.Status())
}
