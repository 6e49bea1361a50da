// Package postgres provides a PostgreSQL-backed implementation of the asset
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/domain/shared"
	"github.com/framesift/framesift/internal/infra/storage"
)

var _ asset.Repository = (*assetStore)(nil)

// assetStore implements asset.Repository using PostgreSQL as the backing
// store. Updates are conditioned on the version column so concurrent writers
// surface asset.ErrConcurrentModification instead of silently clobbering each
// other.
type assetStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAssetStore creates a new PostgreSQL-backed asset repository with tracing
// capabilities.
func NewAssetStore(pool *pgxpool.Pool, tracer trace.Tracer) *assetStore {
	return &assetStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateAsset persists a newly registered asset.
func (r *assetStore) CreateAsset(ctx context.Context, a *asset.Asset) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("asset_id", a.ID().String()),
		attribute.String("status", string(a.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_asset", dbAttrs, func(ctx context.Context) error {
		metadata, err := json.Marshal(a.Metadata())
		if err != nil {
			return fmt.Errorf("marshal asset metadata: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO assets (id, storage_locator, duration_seconds, metadata, status, started_at, completed_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)`,
			a.ID(),
			a.StorageLocator(),
			a.DurationSeconds(),
			metadata,
			string(a.Status()),
			nullableTime(a.Timeline().StartedAt()),
			nullableTime(a.Timeline().CompletedAt()),
			a.Timeline().LastUpdate(),
		)
		if err != nil {
			return fmt.Errorf("CreateAsset insert error: %w", err)
		}
		return nil
	})
}

// GetAsset retrieves an asset's current state.
func (r *assetStore) GetAsset(ctx context.Context, id uuid.UUID) (*asset.Asset, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("asset_id", id.String()))

	var a *asset.Asset
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_asset", dbAttrs, func(ctx context.Context) error {
		var (
			locator         string
			durationSeconds float64
			metadataRaw     []byte
			status          string
			startedAt       *time.Time
			completedAt     *time.Time
			updatedAt       time.Time
			version         int64
		)
		err := r.db.QueryRow(ctx, `
			SELECT storage_locator, duration_seconds, metadata, status, started_at, completed_at, updated_at, version
			FROM assets WHERE id = $1`, id,
		).Scan(&locator, &durationSeconds, &metadataRaw, &status, &startedAt, &completedAt, &updatedAt, &version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return asset.ErrAssetNotFound
			}
			return fmt.Errorf("GetAsset query error: %w", err)
		}

		var metadata asset.MediaMetadata
		if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
			return fmt.Errorf("unmarshal asset metadata: %w", err)
		}

		timeline := shared.ReconstructTimeline(timeOrZero(startedAt), timeOrZero(completedAt), updatedAt)
		a = asset.Reconstruct(id, locator, durationSeconds, metadata, asset.ParseStatus(status), timeline, version)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// UpdateAsset persists changes to an existing asset, conditioned on the
// version the caller read.
func (r *assetStore) UpdateAsset(ctx context.Context, a *asset.Asset) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("asset_id", a.ID().String()),
		attribute.String("status", string(a.Status())),
		attribute.Int64("version", a.Version()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_asset", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		tag, err := r.db.Exec(ctx, `
			UPDATE assets
			SET status = $1, started_at = $2, completed_at = $3, updated_at = $4, version = version + 1
			WHERE id = $5 AND version = $6`,
			string(a.Status()),
			nullableTime(a.Timeline().StartedAt()),
			nullableTime(a.Timeline().CompletedAt()),
			a.Timeline().LastUpdate(),
			a.ID(),
			a.Version(),
		)
		if err != nil {
			return fmt.Errorf("UpdateAsset query error: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assets WHERE id = $1)`, a.ID()).Scan(&exists); err != nil {
				return fmt.Errorf("UpdateAsset existence check error: %w", err)
			}
			if !exists {
				return asset.ErrAssetNotFound
			}
			span.SetAttributes(attribute.Bool("version_conflict", true))
			return asset.ErrConcurrentModification
		}
		return nil
	})
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
