// Package asset provides the domain model for analyzable media assets and the
// state machine governing their lifecycle.
package asset

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/framesift/framesift/internal/domain/shared"
)

// MediaMetadata describes the structural properties of a media asset as probed
// at registration time.
type MediaMetadata struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
	Codec     string  `json:"codec"`
}

// Asset represents a media item registered for analysis. All mutation goes
// through the named transition methods so status and timestamps stay
// consistent.
type Asset struct {
	id              uuid.UUID
	storageLocator  string
	durationSeconds float64
	metadata        MediaMetadata
	status          Status
	timeline        *shared.Timeline
	version         int64
}

// Option defines functional options for configuring a new Asset.
type Option func(*Asset)

// WithTimeProvider sets a custom time provider for the asset's timeline.
func WithTimeProvider(tp shared.TimeProvider) Option {
	return func(a *Asset) { a.timeline = shared.NewTimeline(tp) }
}

// New creates an Asset in the UPLOADED state. The storage locator must be a
// well-formed URI whose scheme matches the configured storage backend;
// malformed locators are rejected here, at construction, not at use.
func New(id uuid.UUID, locator string, durationSeconds float64, metadata MediaMetadata, storageScheme string, opts ...Option) (*Asset, error) {
	if durationSeconds < 0 {
		return nil, NewValidationError("duration_seconds", fmt.Sprintf("must be >= 0, got %f", durationSeconds))
	}

	u, err := url.Parse(locator)
	if err != nil {
		return nil, NewValidationError("storage_locator", fmt.Sprintf("malformed locator %q: %v", locator, err))
	}
	if u.Scheme != storageScheme {
		return nil, NewValidationError("storage_locator",
			fmt.Sprintf("locator scheme %q does not match storage backend scheme %q", u.Scheme, storageScheme))
	}

	a := &Asset{
		id:              id,
		storageLocator:  locator,
		durationSeconds: durationSeconds,
		metadata:        metadata,
		status:          StatusUploaded,
		timeline:        shared.NewTimeline(shared.RealTimeProvider()),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Reconstruct creates an Asset from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the
// store.
func Reconstruct(
	id uuid.UUID,
	locator string,
	durationSeconds float64,
	metadata MediaMetadata,
	status Status,
	timeline *shared.Timeline,
	version int64,
) *Asset {
	return &Asset{
		id:              id,
		storageLocator:  locator,
		durationSeconds: durationSeconds,
		metadata:        metadata,
		status:          status,
		timeline:        timeline,
		version:         version,
	}
}

// ID returns the unique identifier for this asset.
func (a *Asset) ID() uuid.UUID { return a.id }

// StorageLocator returns the URI where the asset's media lives.
func (a *Asset) StorageLocator() string { return a.storageLocator }

// DurationSeconds returns the media duration.
func (a *Asset) DurationSeconds() float64 { return a.durationSeconds }

// Metadata returns the structural media metadata.
func (a *Asset) Metadata() MediaMetadata { return a.metadata }

// Status returns the current lifecycle status of the asset.
func (a *Asset) Status() Status { return a.status }

// Version returns the optimistic-concurrency version of this asset.
func (a *Asset) Version() int64 { return a.version }

// Timeline provides access to the asset's timeline information.
func (a *Asset) Timeline() *shared.Timeline { return a.timeline }

// CreatedAt returns when the asset was registered.
func (a *Asset) CreatedAt() time.Time { return a.timeline.LastUpdate() }

// ProcessingStartedAt returns when analysis of the asset began.
func (a *Asset) ProcessingStartedAt() time.Time { return a.timeline.StartedAt() }

// CompletedAt returns when analysis of the asset finished, if it has.
func (a *Asset) CompletedAt() (time.Time, bool) {
	if a.status.IsTerminal() {
		return a.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// MarkProcessing transitions the asset from UPLOADED to PROCESSING and records
// the processing start time.
func (a *Asset) MarkProcessing() error {
	if err := a.status.ValidateTransition(StatusProcessing); err != nil {
		return err
	}
	a.timeline.MarkStarted()
	a.status = StatusProcessing
	return nil
}

// MarkCompleted transitions the asset from PROCESSING to COMPLETED and records
// the completion time.
func (a *Asset) MarkCompleted() error {
	if err := a.status.ValidateTransition(StatusCompleted); err != nil {
		return err
	}
	a.timeline.MarkCompleted()
	a.status = StatusCompleted
	return nil
}

// MarkFailed transitions the asset from PROCESSING to FAILED and records the
// completion time.
func (a *Asset) MarkFailed() error {
	if err := a.status.ValidateTransition(StatusFailed); err != nil {
		return err
	}
	a.timeline.MarkCompleted()
	a.status = StatusFailed
	return nil
}
