package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/pkg/common/logger"
)

// AssetService registers uploaded media assets so jobs can be submitted
// against them. Locators are validated against the configured storage
// backend's scheme at registration.
type AssetService struct {
	storageScheme string
	assetRepo     asset.Repository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAssetService creates an AssetService accepting locators with the given
// storage scheme.
func NewAssetService(
	storageScheme string,
	assetRepo asset.Repository,
	logger *logger.Logger,
	tracer trace.Tracer,
) *AssetService {
	return &AssetService{
		storageScheme: storageScheme,
		assetRepo:     assetRepo,
		logger:        logger.With("component", "asset_service"),
		tracer:        tracer,
	}
}

// RegisterAsset creates an asset in the UPLOADED state and persists it. The
// locator must be a well-formed URI on the configured storage backend.
func (s *AssetService) RegisterAsset(
	ctx context.Context,
	locator string,
	durationSeconds float64,
	metadata asset.MediaMetadata,
) (*asset.Asset, error) {
	ctx, span := s.tracer.Start(ctx, "asset_service.register_asset",
		trace.WithAttributes(
			attribute.String("storage_locator", locator),
			attribute.Float64("duration_seconds", durationSeconds),
		))
	defer span.End()

	a, err := asset.New(uuid.New(), locator, durationSeconds, metadata, s.storageScheme)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid asset")
		return nil, err
	}

	if err := s.assetRepo.CreateAsset(ctx, a); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist asset")
		return nil, fmt.Errorf("failed to persist asset: %w", err)
	}

	span.SetAttributes(attribute.String("asset_id", a.ID().String()))
	s.logger.Info(ctx, "Asset registered", "asset_id", a.ID(), "storage_locator", locator)
	return a, nil
}

// GetAsset loads an asset by ID.
func (s *AssetService) GetAsset(ctx context.Context, assetID uuid.UUID) (*asset.Asset, error) {
	ctx, span := s.tracer.Start(ctx, "asset_service.get_asset",
		trace.WithAttributes(attribute.String("asset_id", assetID.String())))
	defer span.End()

	a, err := s.assetRepo.GetAsset(ctx, assetID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return a, nil
}
