// Package postgres provides a PostgreSQL-backed implementation of the
// analysis job repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/shared"
	"github.com/framesift/framesift/internal/infra/storage"
)

var _ analysis.JobRepository = (*jobStore)(nil)

// pgUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

// activeJobIndex is the partial unique index enforcing one non-terminal job
// per asset. CreateJob maps violations of it to analysis.AssetBusyError.
const activeJobIndex = "idx_analysis_jobs_one_active_per_asset"

// jobStore implements analysis.JobRepository using PostgreSQL as the backing
// store. Job state updates are conditioned on the version column; provider
// results hold one row per (job_id, provider_name), with a succeeded row
// treated as final.
type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing
// capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateJob persists a new analysis job. The database enforces the
// one-active-job-per-asset rule through a partial unique index; violations
// come back as analysis.AssetBusyError naming the occupying job.
func (r *jobStore) CreateJob(ctx context.Context, job *analysis.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("asset_id", job.AssetID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		config, err := json.Marshal(job.Config())
		if err != nil {
			return fmt.Errorf("marshal job config: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO analysis_jobs (
				job_id, asset_id, config, status, retry_count, max_retries,
				failure_reason, result_summary, progress_fraction, last_sequence_num,
				started_at, completed_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0)`,
			job.JobID(),
			job.AssetID(),
			config,
			string(job.Status()),
			job.RetryCount(),
			job.MaxRetries(),
			job.FailureReason(),
			job.ResultSummary(),
			job.ProgressFraction(),
			job.LastSequenceNum(),
			nullableTime(job.Timeline().StartedAt()),
			nullableTime(job.Timeline().CompletedAt()),
			job.Timeline().LastUpdate(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activeJobIndex {
				return r.assetBusyError(ctx, job.AssetID())
			}
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// assetBusyError looks up the job currently occupying the asset so the
// rejection names it. If the occupant finished in the meantime the busy
// condition still held at insert time, so report it without a job ID.
func (r *jobStore) assetBusyError(ctx context.Context, assetID uuid.UUID) error {
	busy := analysis.AssetBusyError{AssetID: assetID.String()}

	var jobID uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT job_id FROM analysis_jobs
		WHERE asset_id = $1 AND status IN ('CREATED', 'QUEUED', 'STARTED', 'PROGRESSING')`,
		assetID,
	).Scan(&jobID)
	if err == nil {
		busy.JobID = jobID.String()
	}
	return busy
}

// GetJob retrieves a job and its provider results from the database and
// reconstructs the domain aggregate.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *analysis.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row, err := r.scanJobRow(ctx, r.db.QueryRow(ctx, `
			SELECT job_id, asset_id, config, status, retry_count, max_retries,
			       failure_reason, result_summary, progress_fraction, last_sequence_num,
			       started_at, completed_at, updated_at, version
			FROM analysis_jobs WHERE job_id = $1`, jobID))
		if err != nil {
			return err
		}

		job = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// FindActiveJobByAsset returns the queued or running job for an asset.
func (r *jobStore) FindActiveJobByAsset(ctx context.Context, assetID uuid.UUID) (*analysis.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("asset_id", assetID.String()))

	var job *analysis.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.find_active_job_by_asset", dbAttrs, func(ctx context.Context) error {
		row, err := r.scanJobRow(ctx, r.db.QueryRow(ctx, `
			SELECT job_id, asset_id, config, status, retry_count, max_retries,
			       failure_reason, result_summary, progress_fraction, last_sequence_num,
			       started_at, completed_at, updated_at, version
			FROM analysis_jobs
			WHERE asset_id = $1 AND status IN ('QUEUED', 'STARTED', 'PROGRESSING')`, assetID))
		if err != nil {
			if errors.Is(err, analysis.ErrJobNotFound) {
				return analysis.ErrNoActiveJob
			}
			return err
		}

		job = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// UpdateJob persists changes to an existing job, conditioned on the version
// the caller read. New provider results are inserted in the same transaction;
// existing result rows are never touched.
func (r *jobStore) UpdateJob(ctx context.Context, job *analysis.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.Int64("version", job.Version()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `
			UPDATE analysis_jobs
			SET status = $1, retry_count = $2, failure_reason = $3, result_summary = $4,
			    progress_fraction = $5, last_sequence_num = $6,
			    started_at = $7, completed_at = $8, updated_at = $9, version = version + 1
			WHERE job_id = $10 AND version = $11`,
			string(job.Status()),
			job.RetryCount(),
			job.FailureReason(),
			job.ResultSummary(),
			job.ProgressFraction(),
			job.LastSequenceNum(),
			nullableTime(job.Timeline().StartedAt()),
			nullableTime(job.Timeline().CompletedAt()),
			job.Timeline().LastUpdate(),
			job.JobID(),
			job.Version(),
		)
		if err != nil {
			return fmt.Errorf("UpdateJob query error: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analysis_jobs WHERE job_id = $1)`, job.JobID()).Scan(&exists); err != nil {
				return fmt.Errorf("UpdateJob existence check error: %w", err)
			}
			if !exists {
				return analysis.ErrJobNotFound
			}
			span.SetAttributes(attribute.Bool("version_conflict", true))
			return analysis.ErrConcurrentModification
		}

		// A succeeded row is final; a non-succeeded row left by an earlier
		// attempt is superseded by the current one, mirroring Job.AddResult.
		for i, result := range job.Results() {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_results (job_id, provider_name, status, payload, error_detail, recorded_at, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (job_id, provider_name) DO UPDATE
				SET status = EXCLUDED.status, payload = EXCLUDED.payload,
				    error_detail = EXCLUDED.error_detail, recorded_at = EXCLUDED.recorded_at,
				    position = EXCLUDED.position
				WHERE provider_results.status <> 'SUCCEEDED'`,
				job.JobID(),
				result.ProviderName(),
				string(result.Status()),
				[]byte(result.Payload()),
				result.ErrorDetail(),
				result.RecordedAt(),
				i,
			)
			if err != nil {
				return fmt.Errorf("insert provider result error: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// scanJobRow reads one analysis_jobs row, loads its provider results and
// rebuilds the aggregate.
func (r *jobStore) scanJobRow(ctx context.Context, row pgx.Row) (*analysis.Job, error) {
	var (
		jobID            uuid.UUID
		assetID          uuid.UUID
		configRaw        []byte
		status           string
		retryCount       int
		maxRetries       int
		failureReason    string
		resultSummary    string
		progressFraction float64
		lastSequenceNum  int64
		startedAt        *time.Time
		completedAt      *time.Time
		updatedAt        time.Time
		version          int64
	)
	err := row.Scan(
		&jobID, &assetID, &configRaw, &status, &retryCount, &maxRetries,
		&failureReason, &resultSummary, &progressFraction, &lastSequenceNum,
		&startedAt, &completedAt, &updatedAt, &version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, analysis.ErrJobNotFound
		}
		return nil, fmt.Errorf("job row scan error: %w", err)
	}

	var config analysis.Config
	if err := json.Unmarshal(configRaw, &config); err != nil {
		return nil, fmt.Errorf("unmarshal job config: %w", err)
	}

	results, err := r.loadResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	timeline := shared.ReconstructTimeline(timeOrZero(startedAt), timeOrZero(completedAt), updatedAt)
	return analysis.ReconstructJob(
		jobID, assetID,
		config,
		analysis.ParseJobStatus(status),
		retryCount, maxRetries,
		failureReason, resultSummary,
		results,
		progressFraction,
		lastSequenceNum,
		timeline,
		version,
	), nil
}

func (r *jobStore) loadResults(ctx context.Context, jobID uuid.UUID) ([]analysis.ProviderResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT provider_name, status, payload, error_detail, recorded_at
		FROM provider_results WHERE job_id = $1
		ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load provider results error: %w", err)
	}
	defer rows.Close()

	var results []analysis.ProviderResult
	for rows.Next() {
		var (
			providerName string
			status       string
			payload      []byte
			errorDetail  string
			recordedAt   time.Time
		)
		if err := rows.Scan(&providerName, &status, &payload, &errorDetail, &recordedAt); err != nil {
			return nil, fmt.Errorf("provider result scan error: %w", err)
		}
		results = append(results, analysis.ReconstructProviderResult(
			providerName,
			analysis.ParseResultStatus(status),
			payload,
			errorDetail,
			recordedAt,
		))
	}
	return results, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
