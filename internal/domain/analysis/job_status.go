package analysis

import "fmt"

// JobStatus represents the current state of an analysis job. It enables
// tracking of the job lifecycle from submission through completion or failure,
// including the bounded retry loop back to QUEUED.
type JobStatus string

const (
	// JobStatusCreated indicates a job has been created but not yet enqueued.
	JobStatusCreated JobStatus = "CREATED"

	// JobStatusQueued indicates a job is waiting on the task queue.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusStarted indicates a worker has picked up the job.
	JobStatusStarted JobStatus = "STARTED"

	// JobStatusProgressing indicates provider work is underway and progress
	// updates are flowing.
	JobStatusProgressing JobStatus = "PROGRESSING"

	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the job failed with its retry budget exhausted
	// or a non-retryable error.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "CREATED":
		return JobStatusCreated
	case "QUEUED":
		return JobStatusQueued
	case "STARTED":
		return JobStatusStarted
	case "PROGRESSING":
		return JobStatusProgressing
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool { return s == JobStatusCompleted || s == JobStatusFailed }

// IsActive reports whether the job occupies its asset. At most one active job
// may exist per asset.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusStarted || s == JobStatusProgressing
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return InvalidStateTransitionError{From: s, To: target}
	}
	return nil
}

// isValidTransition enforces the job lifecycle rules. The FAILED -> QUEUED
// edge is the retry loop; Job.Fail applies it only while retry budget remains.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusCreated:
		return target == JobStatusQueued || target == JobStatusStarted || target == JobStatusFailed
	case JobStatusQueued:
		return target == JobStatusStarted || target == JobStatusFailed
	case JobStatusStarted:
		return target == JobStatusProgressing || target == JobStatusFailed
	case JobStatusProgressing:
		return target == JobStatusProgressing || target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusFailed:
		// Only reachable through the bounded retry loop in Job.Fail.
		return target == JobStatusQueued
	case JobStatusCompleted:
		return false
	default:
		return false
	}
}

// InvalidStateTransitionError indicates an attempted transition the job
// lifecycle does not permit.
type InvalidStateTransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition from %s to %s", e.From, e.To)
}
