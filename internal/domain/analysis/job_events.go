package analysis

import (
	"time"

	"github.com/google/uuid"

	"github.com/framesift/framesift/internal/domain/events"
)

// Event types relevant to analysis jobs.
const (
	// EventTypeAnalysisScheduled carries the task envelope from the controller
	// to a worker.
	EventTypeAnalysisScheduled events.EventType = "AnalysisScheduled"

	// EventTypeJobStarted signals a worker picked up a job.
	EventTypeJobStarted events.EventType = "JobStarted"

	// EventTypeJobProgressed carries a per-provider progress callback.
	EventTypeJobProgressed events.EventType = "JobProgressed"

	// EventTypeJobCompleted signals provider fan-out finished successfully.
	EventTypeJobCompleted events.EventType = "JobCompleted"

	// EventTypeJobFailed signals the job's fan-out failed, with retryability.
	EventTypeJobFailed events.EventType = "JobFailed"
)

// AnalysisScheduledEvent is the task envelope submitted to the queue. Workers
// deserialize it, load the referenced asset, and fan work out to the
// configured providers.
type AnalysisScheduledEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	AssetID   uuid.UUID `json:"asset_id"`
	Config    Config    `json:"analysis_config"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAnalysisScheduledEvent creates the task envelope for a queued job.
func NewAnalysisScheduledEvent(jobID, assetID uuid.UUID, config Config) AnalysisScheduledEvent {
	return AnalysisScheduledEvent{
		JobID:     jobID,
		AssetID:   assetID,
		Config:    config,
		Timestamp: time.Now(),
	}
}

func (e AnalysisScheduledEvent) EventType() events.EventType { return EventTypeAnalysisScheduled }
func (e AnalysisScheduledEvent) OccurredAt() time.Time       { return e.Timestamp }

// JobStartedEvent signals that a worker began executing a job's fan-out.
type JobStartedEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	AssetID   uuid.UUID `json:"asset_id"`
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewJobStartedEvent creates a job started event.
func NewJobStartedEvent(jobID, assetID uuid.UUID, workerID string) JobStartedEvent {
	return JobStartedEvent{
		JobID:     jobID,
		AssetID:   assetID,
		WorkerID:  workerID,
		Timestamp: time.Now(),
	}
}

func (e JobStartedEvent) EventType() events.EventType { return EventTypeJobStarted }
func (e JobStartedEvent) OccurredAt() time.Time       { return e.Timestamp }

// JobProgressedEvent carries one provider's progress contribution. The
// aggregator derives the job fraction as completed/total, so events can arrive
// in any order and at any rate.
type JobProgressedEvent struct {
	JobID              uuid.UUID `json:"job_id"`
	ProviderName       string    `json:"provider_name"`
	SequenceNum        int64     `json:"sequence_num"`
	CompletedProviders int       `json:"completed_providers"`
	TotalProviders     int       `json:"total_providers"`
	Note               string    `json:"note,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// NewJobProgressedEvent creates a progress event for one provider callback.
func NewJobProgressedEvent(jobID uuid.UUID, providerName string, seq int64, completed, total int, note string) JobProgressedEvent {
	return JobProgressedEvent{
		JobID:              jobID,
		ProviderName:       providerName,
		SequenceNum:        seq,
		CompletedProviders: completed,
		TotalProviders:     total,
		Note:               note,
		Timestamp:          time.Now(),
	}
}

func (e JobProgressedEvent) EventType() events.EventType { return EventTypeJobProgressed }
func (e JobProgressedEvent) OccurredAt() time.Time       { return e.Timestamp }

// JobCompletedEvent signals that fan-out produced an acceptable outcome and
// carries the provider results for the record of merge.
type JobCompletedEvent struct {
	JobID     uuid.UUID        `json:"job_id"`
	AssetID   uuid.UUID        `json:"asset_id"`
	Results   []ProviderResult `json:"results"`
	Summary   string           `json:"summary"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewJobCompletedEvent creates a job completed event.
func NewJobCompletedEvent(jobID, assetID uuid.UUID, results []ProviderResult, summary string) JobCompletedEvent {
	return JobCompletedEvent{
		JobID:     jobID,
		AssetID:   assetID,
		Results:   results,
		Summary:   summary,
		Timestamp: time.Now(),
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.Timestamp }

// JobFailedEvent signals the fan-out failed. Retryable failures re-enter the
// queue through the controller's retry loop until the budget is exhausted.
type JobFailedEvent struct {
	JobID     uuid.UUID        `json:"job_id"`
	AssetID   uuid.UUID        `json:"asset_id"`
	Reason    string           `json:"reason"`
	Retryable bool             `json:"retryable"`
	Results   []ProviderResult `json:"results,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewJobFailedEvent creates a job failed event.
func NewJobFailedEvent(jobID, assetID uuid.UUID, reason string, retryable bool, results []ProviderResult) JobFailedEvent {
	return JobFailedEvent{
		JobID:     jobID,
		AssetID:   assetID,
		Reason:    reason,
		Retryable: retryable,
		Results:   results,
		Timestamp: time.Now(),
	}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.Timestamp }
