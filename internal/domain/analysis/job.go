// Package analysis provides domain types and interfaces for orchestrating
// media analysis jobs. It defines the core abstractions needed to coordinate
// distributed provider work, track progress, and handle failure recovery with
// a bounded retry budget.
package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/framesift/framesift/internal/domain/shared"
)

// DefaultMaxRetries bounds the job-level retry loop. Queue-level automatic
// retries are disabled in favor of this single budget.
const DefaultMaxRetries = 3

// Job coordinates and tracks one orchestration run against an asset. It owns
// its provider results and configuration, and holds a non-owning reference to
// the asset being analyzed. All mutation goes through the named lifecycle
// operations so status, timestamps and retry bookkeeping stay consistent.
type Job struct {
	id      uuid.UUID
	assetID uuid.UUID
	config  Config

	status        JobStatus
	retryCount    int
	maxRetries    int
	failureReason string
	resultSummary string

	results []ProviderResult

	progressFraction   float64
	lastSequenceNum    int64
	staleProgressCount int

	timeline *shared.Timeline
	version  int64
}

// JobOption defines functional options for configuring a new Job.
type JobOption func(*Job)

// WithTimeProvider sets a custom time provider for the job's timeline.
func WithTimeProvider(tp shared.TimeProvider) JobOption {
	return func(j *Job) { j.timeline = shared.NewTimeline(tp) }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) JobOption {
	return func(j *Job) { j.maxRetries = n }
}

// NewJob creates a Job in the CREATED state for the given asset and
// configuration. The configuration must already be validated; it is immutable
// from here on.
func NewJob(id, assetID uuid.UUID, config Config, opts ...JobOption) *Job {
	j := &Job{
		id:         id,
		assetID:    assetID,
		config:     config,
		status:     JobStatusCreated,
		maxRetries: DefaultMaxRetries,
		timeline:   shared.NewTimeline(shared.RealTimeProvider()),
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// ReconstructJob creates a Job from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the
// store.
func ReconstructJob(
	id, assetID uuid.UUID,
	config Config,
	status JobStatus,
	retryCount, maxRetries int,
	failureReason, resultSummary string,
	results []ProviderResult,
	progressFraction float64,
	lastSequenceNum int64,
	timeline *shared.Timeline,
	version int64,
) *Job {
	return &Job{
		id:               id,
		assetID:          assetID,
		config:           config,
		status:           status,
		retryCount:       retryCount,
		maxRetries:       maxRetries,
		failureReason:    failureReason,
		resultSummary:    resultSummary,
		results:          results,
		progressFraction: progressFraction,
		lastSequenceNum:  lastSequenceNum,
		timeline:         timeline,
		version:          version,
	}
}

// JobID returns the unique identifier for this job.
func (j *Job) JobID() uuid.UUID { return j.id }

// AssetID returns the asset this job analyzes.
func (j *Job) AssetID() uuid.UUID { return j.assetID }

// Config returns the immutable analysis configuration.
func (j *Job) Config() Config { return j.config }

// Status returns the current lifecycle status.
func (j *Job) Status() JobStatus { return j.status }

// RetryCount returns how many times the job has been re-enqueued after a
// retryable failure. Operators use it to distinguish flapping jobs from first
// failures.
func (j *Job) RetryCount() int { return j.retryCount }

// MaxRetries returns the retry budget.
func (j *Job) MaxRetries() int { return j.maxRetries }

// FailureReason returns the human-readable cause of the most recent failure,
// empty if the job has never failed.
func (j *Job) FailureReason() string { return j.failureReason }

// ResultSummary returns the summary recorded at completion.
func (j *Job) ResultSummary() string { return j.resultSummary }

// ProgressFraction returns the latest high-water progress value in [0, 1].
func (j *Job) ProgressFraction() float64 { return j.progressFraction }

// LastSequenceNum returns the sequence number of the most recent in-order
// progress update.
func (j *Job) LastSequenceNum() int64 { return j.lastSequenceNum }

// StaleProgressCount returns how many out-of-order progress updates were
// accepted and flagged.
func (j *Job) StaleProgressCount() int { return j.staleProgressCount }

// Timeline provides access to the job's timeline information.
func (j *Job) Timeline() *shared.Timeline { return j.timeline }

// Version returns the optimistic-concurrency version of this job.
func (j *Job) Version() int64 { return j.version }

// StartTime returns when job execution began.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when the job reached a terminal state, if it has.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// Results returns the provider results recorded so far, in the order they
// were appended.
func (j *Job) Results() []ProviderResult {
	out := make([]ProviderResult, len(j.results))
	copy(out, j.results)
	return out
}

// MergedResults returns the unified analysis record: the ordered concatenation
// of succeeded provider results, keyed by the provider order in the
// configuration.
func (j *Job) MergedResults() []ProviderResult {
	byName := make(map[string]ProviderResult, len(j.results))
	for _, r := range j.results {
		if r.Succeeded() {
			byName[r.ProviderName()] = r
		}
	}

	merged := make([]ProviderResult, 0, len(byName))
	for _, name := range j.config.ProviderNames() {
		if r, ok := byName[name]; ok {
			merged = append(merged, r)
		}
	}
	return merged
}

// UpdateStatus changes the job's status after validating the transition and
// keeps the timeline consistent with it.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	switch {
	case newStatus == JobStatusStarted:
		j.timeline.MarkStarted()
	case newStatus.IsTerminal():
		j.timeline.MarkCompleted()
	default:
		j.timeline.UpdateLastUpdate()
	}

	j.status = newStatus
	return nil
}

// Enqueue transitions the job from CREATED to QUEUED.
func (j *Job) Enqueue() error {
	return j.UpdateStatus(JobStatusQueued)
}

// Start transitions the job to STARTED and records the start time. It can only
// be called on CREATED or QUEUED jobs; re-entry on an already started or
// terminal job fails with InvalidStateTransitionError so redelivered task
// envelopes can be detected.
func (j *Job) Start() error {
	return j.UpdateStatus(JobStatusStarted)
}

// ApplyProgress applies a progress update. Updates are monotonic in intent but
// the transport is at-least-once, so a stale update (sequence number or
// fraction lower than already recorded) is accepted and flagged rather than
// rejected: the high-water fraction is kept and the stale counter increments.
func (j *Job) ApplyProgress(p Progress) error {
	if j.status != JobStatusStarted && j.status != JobStatusProgressing {
		return InvalidStateTransitionError{From: j.status, To: JobStatusProgressing}
	}

	if p.SequenceNum() <= j.lastSequenceNum || p.Fraction() < j.progressFraction {
		j.staleProgressCount++
		j.timeline.UpdateLastUpdate()
		return nil
	}

	if err := j.UpdateStatus(JobStatusProgressing); err != nil {
		return err
	}

	j.lastSequenceNum = p.SequenceNum()
	if p.Fraction() > j.progressFraction {
		j.progressFraction = p.Fraction()
	}

	return nil
}

// AddResult records one provider's outcome. At most one result per provider
// is kept: a result left by a failed attempt is superseded by the next
// attempt's result, while a succeeded result is never replaced, so
// redelivered completion messages cannot double-append.
func (j *Job) AddResult(r ProviderResult) error {
	if j.status.IsTerminal() {
		return fmt.Errorf("cannot add result for provider %q: job %s is %s", r.ProviderName(), j.id, j.status)
	}
	for i, existing := range j.results {
		if existing.ProviderName() != r.ProviderName() {
			continue
		}
		if existing.Succeeded() {
			return NewValidationError("results", fmt.Sprintf("duplicate result for provider %q", r.ProviderName()))
		}
		j.results[i] = r
		j.timeline.UpdateLastUpdate()
		return nil
	}
	j.results = append(j.results, r)
	j.timeline.UpdateLastUpdate()
	return nil
}

// Complete transitions the job to COMPLETED. It is idempotent: completing an
// already completed job is a no-op, because retried task execution may
// re-deliver the final message.
func (j *Job) Complete(resultSummary string) error {
	if j.status == JobStatusCompleted {
		return nil
	}
	if j.status == JobStatusFailed {
		return InvalidStateTransitionError{From: j.status, To: JobStatusCompleted}
	}

	// The final message can arrive before any progress update under
	// at-least-once delivery; completion still passes through PROGRESSING so
	// the machine's edges stay uniform.
	if j.status == JobStatusStarted {
		if err := j.UpdateStatus(JobStatusProgressing); err != nil {
			return err
		}
	}

	if err := j.UpdateStatus(JobStatusCompleted); err != nil {
		return err
	}

	j.resultSummary = resultSummary
	j.progressFraction = 1.0
	return nil
}

// Fail records a failure. If the failure is retryable and budget remains, the
// job re-enters QUEUED with its retry count incremented and requeued is true;
// otherwise the job becomes terminally FAILED. Failing an already terminal job
// returns InvalidStateTransitionError.
func (j *Job) Fail(reason string, retryable bool) (requeued bool, err error) {
	if j.status.IsTerminal() {
		return false, InvalidStateTransitionError{From: j.status, To: JobStatusFailed}
	}

	j.failureReason = reason

	if retryable && j.retryCount < j.maxRetries {
		// The conceptual FAILED -> QUEUED retry edge, applied in one step so
		// the job is never observable in a transient FAILED state.
		j.retryCount++
		j.status = JobStatusQueued
		j.timeline.UpdateLastUpdate()
		return true, nil
	}

	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return false, err
	}
	return false, nil
}
