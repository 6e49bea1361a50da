package asset

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for media assets. It provides
// an abstraction layer over the document store used to maintain asset state.
// Updates are conditioned on the version read, surfacing
// ErrConcurrentModification on conflict.
type Repository interface {
	// CreateAsset persists a newly registered asset.
	CreateAsset(ctx context.Context, a *Asset) error

	// GetAsset retrieves an asset's current state.
	// Returns ErrAssetNotFound if the asset does not exist.
	GetAsset(ctx context.Context, id uuid.UUID) (*Asset, error)

	// UpdateAsset persists changes to an existing asset, conditioned on the
	// version the caller read. Returns ErrConcurrentModification if another
	// writer got there first.
	UpdateAsset(ctx context.Context, a *Asset) error
}
