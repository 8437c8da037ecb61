package backup

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is.
var (
	// ErrInvalidRequest marks input rejected before any storage is touched.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidName is an ErrInvalidRequest for unsafe or malformed archive names.
	ErrInvalidName = fmt.Errorf("%w: invalid archive name", ErrInvalidRequest)
	// ErrNotFound marks an absent archive.
	ErrNotFound = errors.New("archive not found")
	// ErrIOFailure marks a filesystem or archive stream failure.
	ErrIOFailure = errors.New("i/o failure")
)

// RestoreError is returned by a restore that failed after the pre-restore
// snapshot was taken. The snapshot name lets an operator revert.
type RestoreError struct {
	PreRestoreBackup string
	Err              error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed (pre-restore backup %s): %v", e.PreRestoreBackup, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}
