package analysis

import (
	"time"

	"github.com/google/uuid"
)

// Progress represents a point-in-time progress update for a job. Updates flow
// through an at-least-once transport, so they may arrive out of order; the job
// accepts stale updates without error and flags them instead.
type Progress struct {
	jobID       uuid.UUID
	sequenceNum int64
	fraction    float64
	note        string
	timestamp   time.Time
}

// NewProgress creates a Progress update. Fraction is the completed share of
// provider work in [0, 1].
func NewProgress(jobID uuid.UUID, sequenceNum int64, fraction float64, note string) Progress {
	return Progress{
		jobID:       jobID,
		sequenceNum: sequenceNum,
		fraction:    fraction,
		note:        note,
		timestamp:   time.Now(),
	}
}

// ReconstructProgress creates a Progress instance from persisted or transported
// data.
func ReconstructProgress(jobID uuid.UUID, sequenceNum int64, fraction float64, note string, timestamp time.Time) Progress {
	return Progress{
		jobID:       jobID,
		sequenceNum: sequenceNum,
		fraction:    fraction,
		note:        note,
		timestamp:   timestamp,
	}
}

// JobID returns the job this update belongs to.
func (p Progress) JobID() uuid.UUID { return p.jobID }

// SequenceNum returns the sequence number of this progress update.
func (p Progress) SequenceNum() int64 { return p.sequenceNum }

// Fraction returns the completed share of provider work.
func (p Progress) Fraction() float64 { return p.fraction }

// Note returns the human-readable annotation for this update.
func (p Progress) Note() string { return p.note }

// Timestamp returns the time the progress update was created.
func (p Progress) Timestamp() time.Time { return p.timestamp }
