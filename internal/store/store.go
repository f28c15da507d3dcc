// Package store persists run checkpoints and per-step traces.
package store

// Store is checkpoint persistence. Implementations must be safe for
// concurrent use.
//
// LoadCheckpoint and DeleteCheckpoint return an error matching ErrNotFound
// when the job has no checkpoint.
type Store interface {
	// SaveCheckpoint replaces the job's checkpoint atomically.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the job's checkpoint.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for every stored checkpoint.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint and the job's trace.
	DeleteCheckpoint(jobID string) error
}

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint or trace.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
