// Package analyzing implements the worker side of analysis execution. It
// consumes task envelopes, fans work out to the configured providers, and
// reports lifecycle events back to the controller. Workers never write job
// state directly.
package analyzing

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// AnalyzeRequest carries everything a provider needs to analyze one asset.
type AnalyzeRequest struct {
	// JobID identifies the orchestration run this analysis belongs to.
	JobID uuid.UUID

	// AssetID identifies the asset being analyzed.
	AssetID uuid.UUID

	// StorageLocator is the URI the provider fetches media from.
	StorageLocator string

	// DurationSeconds is the length of the media asset.
	DurationSeconds float64

	// ChunkDurationSeconds controls how the asset is segmented before
	// submission.
	ChunkDurationSeconds float64

	// Goals are free-form tags describing what to extract.
	Goals []string

	// Params are provider-specific parameters from the job configuration.
	Params map[string]any

	// ReportProgress, when non-nil, is invoked as the provider advances.
	// fraction is the provider's own completion in [0, 1].
	ReportProgress func(fraction float64, note string)
}

// Provider is an analysis backend capable of extracting structured data from
// a media asset. Implementations must respect context cancellation: a
// provider that overruns its deadline is recorded as timed out.
type Provider interface {
	// Name returns the catalog name providers are configured by.
	Name() string

	// Analyze runs the provider against the asset and returns its structured
	// payload.
	Analyze(ctx context.Context, req AnalyzeRequest) (json.RawMessage, error)
}

// ProviderRegistry resolves configured provider names to implementations.
type ProviderRegistry interface {
	// Get returns the provider registered under name.
	Get(name string) (Provider, bool)

	// Names returns all registered provider names.
	Names() []string
}
