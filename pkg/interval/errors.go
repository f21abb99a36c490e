package interval

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every validation error returned from Start.
	ErrInvalidConfig = errors.New("interval: invalid config")

	// ErrTimeoutExceeded describes a timed-out run in Status and IterationEvent.
	// It is never passed to OnError.
	ErrTimeoutExceeded = errors.New("interval: timeout exceeded")
)

// PanicError is reported to OnError when the task panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("interval: task panicked: %v", e.Value) }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
