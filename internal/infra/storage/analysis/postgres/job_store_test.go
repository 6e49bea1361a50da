package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/infra/storage"
	assetpg "github.com/framesift/framesift/internal/infra/storage/asset/postgres"
)

func setupJobTest(t *testing.T) (context.Context, *pgxpool.Pool, *jobStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewJobStore(db, storage.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

// createTestAsset inserts a parent asset row so job foreign keys resolve.
func createTestAsset(t *testing.T, ctx context.Context, db *pgxpool.Pool) uuid.UUID {
	t.Helper()

	a, err := asset.New(
		uuid.New(),
		"s3://media/clips/test.mp4",
		120.5,
		asset.MediaMetadata{Width: 1920, Height: 1080, FrameRate: 29.97, Codec: "h264"},
		"s3",
	)
	require.NoError(t, err)

	assetStore := assetpg.NewAssetStore(db, storage.NoOpTracer())
	require.NoError(t, assetStore.CreateAsset(ctx, a))
	return a.ID()
}

func testConfig() analysis.Config {
	return analysis.Config{
		Providers: []analysis.ProviderSpec{
			{Name: "transcription", Required: true, Params: map[string]any{"language": "en"}},
			{Name: "object-detection"},
		},
		ChunkDurationSeconds: 30,
		Goals:                []string{"transcript", "objects"},
	}
}

func createTestJob(t *testing.T, assetID uuid.UUID) *analysis.Job {
	t.Helper()
	return analysis.NewJob(uuid.New(), assetID, testConfig())
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, assetID, loaded.AssetID())
	assert.Equal(t, analysis.JobStatusCreated, loaded.Status())
	assert.Equal(t, []string{"transcription", "object-detection"}, loaded.Config().ProviderNames())
	assert.Equal(t, analysis.DefaultMaxRetries, loaded.MaxRetries())
	assert.True(t, loaded.StartTime().IsZero(), "new jobs should not have a start time")

	spec, ok := loaded.Config().Provider("transcription")
	require.True(t, ok)
	assert.True(t, spec.Required)
}

func TestJobStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	_, err := store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_SecondActiveJobRejected(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	first := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, first))

	second := createTestJob(t, assetID)
	err := store.CreateJob(ctx, second)

	var busy analysis.AssetBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, assetID.String(), busy.AssetID)
	assert.Equal(t, first.JobID().String(), busy.JobID)
}

func TestJobStore_TerminalJobReleasesAsset(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	first := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, first))

	loaded, err := store.GetJob(ctx, first.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, loaded.Complete("done"))
	require.NoError(t, store.UpdateJob(ctx, loaded))

	second := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, second))
}

func TestJobStore_UpdateLifecycleAndResults(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.Enqueue())
	require.NoError(t, loaded.Start())
	require.NoError(t, loaded.AddResult(analysis.NewSucceededResult("transcription", []byte(`{"text":"hello"}`))))
	require.NoError(t, loaded.AddResult(analysis.NewFailedResult("object-detection", "model unavailable")))
	require.NoError(t, loaded.Complete("1/2 providers succeeded"))
	require.NoError(t, store.UpdateJob(ctx, loaded))

	reloaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, reloaded.Status())
	assert.Equal(t, "1/2 providers succeeded", reloaded.ResultSummary())
	assert.InDelta(t, 1.0, reloaded.ProgressFraction(), 0.001)
	assert.False(t, reloaded.StartTime().IsZero())

	endTime, ok := reloaded.EndTime()
	require.True(t, ok)
	assert.False(t, endTime.IsZero())

	results := reloaded.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "transcription", results[0].ProviderName())
	assert.JSONEq(t, `{"text":"hello"}`, string(results[0].Payload()))
	assert.Equal(t, "object-detection", results[1].ProviderName())
	assert.Equal(t, "model unavailable", results[1].ErrorDetail())

	merged := reloaded.MergedResults()
	require.Len(t, merged, 1)
	assert.Equal(t, "transcription", merged[0].ProviderName())
}

func TestJobStore_UpdateIsIdempotentForResults(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, loaded.AddResult(analysis.NewSucceededResult("transcription", []byte(`{"text":"hi"}`))))
	require.NoError(t, store.UpdateJob(ctx, loaded))

	// A second update carrying the same result row must not duplicate it.
	reloaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, reloaded.Complete("done"))
	require.NoError(t, store.UpdateJob(ctx, reloaded))

	final, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.Len(t, final.Results(), 1)
}

func TestJobStore_RetryResultSupersedesStaleRow(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	// First attempt leaves a timed-out row behind before requeueing.
	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.Start())
	require.NoError(t, loaded.AddResult(analysis.NewTimedOutResult("transcription")))
	require.NoError(t, loaded.AddResult(analysis.NewSucceededResult("object-detection", []byte(`{"objects":[]}`))))
	requeued, err := loaded.Fail("soft-timeout", true)
	require.NoError(t, err)
	require.True(t, requeued)
	require.NoError(t, store.UpdateJob(ctx, loaded))

	// The retry's fresh result replaces the timed-out row; the succeeded row
	// from the first attempt is left untouched.
	retried, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, retried.Start())
	require.NoError(t, retried.AddResult(analysis.NewSucceededResult("transcription", []byte(`{"text":"hello"}`))))
	require.NoError(t, retried.Complete("2/2 providers succeeded"))
	require.NoError(t, store.UpdateJob(ctx, retried))

	final, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.Len(t, final.Results(), 2)

	merged := final.MergedResults()
	require.Len(t, merged, 2)
	assert.Equal(t, "transcription", merged[0].ProviderName())
	assert.Equal(t, analysis.ResultStatusSucceeded, merged[0].Status())
	assert.JSONEq(t, `{"text":"hello"}`, string(merged[0].Payload()))
	assert.Equal(t, "object-detection", merged[1].ProviderName())
}

func TestJobStore_UpdateConflict(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	first, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	second, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)

	require.NoError(t, first.Enqueue())
	require.NoError(t, store.UpdateJob(ctx, first))

	require.NoError(t, second.Enqueue())
	err = store.UpdateJob(ctx, second)
	require.ErrorIs(t, err, analysis.ErrConcurrentModification)
}

func TestJobStore_UpdateNotFound(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)
	job := createTestJob(t, assetID)
	err := store.UpdateJob(ctx, job)
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_FindActiveJobByAsset(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupJobTest(t)
	defer cleanup()

	assetID := createTestAsset(t, ctx, db)

	_, err := store.FindActiveJobByAsset(ctx, assetID)
	require.ErrorIs(t, err, analysis.ErrNoActiveJob)

	job := createTestJob(t, assetID)
	require.NoError(t, store.CreateJob(ctx, job))

	// CREATED does not count as active; only queued or running jobs do.
	_, err = store.FindActiveJobByAsset(ctx, assetID)
	require.ErrorIs(t, err, analysis.ErrNoActiveJob)

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NoError(t, loaded.Enqueue())
	require.NoError(t, store.UpdateJob(ctx, loaded))

	active, err := store.FindActiveJobByAsset(ctx, assetID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID(), active.JobID())
	assert.Equal(t, analysis.JobStatusQueued, active.Status())
}
