package job

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrDuplicateJob   = errors.New("job already registered")
	ErrJobNotFound    = errors.New("job not found")
	ErrMissingTrigger = errors.New("job requires at least one trigger")
	ErrMissingFunc    = errors.New("job requires a function")
	ErrInvalidCode    = errors.New("invalid job code")
)

// DuplicateJobError is returned when a code is registered twice without
// ReplaceExisting or Merge.
type DuplicateJobError struct {
	Code string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q already registered (use ReplaceExisting or Merge)", e.Code)
}

func (e *DuplicateJobError) Is(target error) bool { return target == ErrDuplicateJob }
