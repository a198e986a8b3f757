package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped   = errors.New("engine stopped")
	ErrQueueFull = errors.New("engine queue full")
	ErrCoalesced = errors.New("run coalesced into a queued run")
	ErrMisfired  = errors.New("run missed its misfire grace time")
	ErrSkipped   = errors.New("run skipped: lock held elsewhere")
	ErrTimeout   = errors.New("job timed out")
)

// TimeoutError is the synthesized failure of an attempt that outlived the
// job timeout.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Job timed out after %ss", strconv.FormatFloat(e.Limit.Seconds(), 'f', -1, 64))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTimeout reports whether err is (or wraps) a job timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
