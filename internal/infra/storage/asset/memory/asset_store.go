// Package memory provides an in-memory implementation of the asset
// repository, suitable for tests and single-process development setups.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/framesift/framesift/internal/domain/asset"
	"github.com/framesift/framesift/internal/domain/shared"
)

var _ asset.Repository = (*assetStore)(nil)

// assetStore provides a thread-safe in-memory implementation of
// asset.Repository. It honors the same optimistic-concurrency contract as the
// PostgreSQL store: updates are conditioned on the version the caller read.
type assetStore struct {
	mu     sync.RWMutex
	assets map[uuid.UUID]*asset.Asset
}

// NewAssetStore creates an empty in-memory asset repository.
func NewAssetStore() *assetStore {
	return &assetStore{assets: make(map[uuid.UUID]*asset.Asset)}
}

// CreateAsset persists a newly registered asset.
func (s *assetStore) CreateAsset(ctx context.Context, a *asset.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID()] = snapshot(a, 0)
	return nil
}

// GetAsset retrieves an asset's current state.
func (s *assetStore) GetAsset(ctx context.Context, id uuid.UUID) (*asset.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.assets[id]
	if !ok {
		return nil, asset.ErrAssetNotFound
	}
	return snapshot(stored, stored.Version()), nil
}

// UpdateAsset persists changes to an existing asset, conditioned on the
// version the caller read.
func (s *assetStore) UpdateAsset(ctx context.Context, a *asset.Asset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.assets[a.ID()]
	if !ok {
		return asset.ErrAssetNotFound
	}
	if stored.Version() != a.Version() {
		return asset.ErrConcurrentModification
	}
	s.assets[a.ID()] = snapshot(a, a.Version()+1)
	return nil
}

// snapshot copies an asset at the given version so callers never share
// aggregate state with the store.
func snapshot(a *asset.Asset, version int64) *asset.Asset {
	return asset.Reconstruct(
		a.ID(),
		a.StorageLocator(),
		a.DurationSeconds(),
		a.Metadata(),
		a.Status(),
		shared.ReconstructTimeline(a.Timeline().StartedAt(), a.Timeline().CompletedAt(), a.Timeline().LastUpdate()),
		version,
	)
}
