package asset

import "fmt"

// Status represents the current state of a media asset. It enables tracking of
// the asset lifecycle from upload registration through analysis completion or
// failure.
type Status string

const (
	// StatusUploaded indicates an asset has been registered but not yet analyzed.
	StatusUploaded Status = "UPLOADED"

	// StatusProcessing indicates an asset is being analyzed by a job.
	StatusProcessing Status = "PROCESSING"

	// StatusCompleted indicates analysis of the asset finished successfully.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed indicates analysis of the asset failed terminally.
	StatusFailed Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) Status {
	switch s {
	case "UPLOADED":
		return StatusUploaded
	case "PROCESSING":
		return StatusProcessing
	case "COMPLETED":
		return StatusCompleted
	case "FAILED":
		return StatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) ValidateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return InvalidStateTransitionError{From: s, To: target}
	}
	return nil
}

// isValidTransition enforces the one-way asset lifecycle. Terminal states
// permit no further transitions.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusUploaded:
		return target == StatusProcessing
	case StatusProcessing:
		return target == StatusCompleted || target == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		return false
	}
}

// InvalidStateTransitionError indicates an attempted transition that the asset
// lifecycle does not permit. Cleanup paths log and swallow this error so a
// failed job does not crash while unwinding.
type InvalidStateTransitionError struct {
	From Status
	To   Status
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid asset status transition from %s to %s", e.From, e.To)
}
