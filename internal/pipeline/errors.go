package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidGeometry = errors.New("pipeline: width and height must be positive")
	ErrUnknownMode     = errors.New("pipeline: unknown sink mode")
	ErrNoOutput        = errors.New("pipeline: file mode needs an output destination")
	ErrAlreadyStarted  = errors.New("pipeline: already started")
)

// StartError reports a failure before the pipeline reached Draining. Step
// names what was being set up.
type StartError struct {
	Step string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("pipeline start failed (%s): %v", e.Step, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// StopError is the outcome of a session that ended abnormally. Cause is the
// first fatal error seen while draining, Teardown the collected failures of
// the release sequence. Either may be nil.
type StopError struct {
	Cause    error
	Teardown error
}

func (e *StopError) Error() string {
	switch {
	case e.Cause != nil && e.Teardown != nil:
		return fmt.Sprintf("pipeline stopped: %v (teardown: %v)", e.Cause, e.Teardown)
	case e.Cause != nil:
		return fmt.Sprintf("pipeline stopped: %v", e.Cause)
	default:
		return fmt.Sprintf("pipeline teardown: %v", e.Teardown)
	}
}

func (e *StopError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Teardown != nil {
		errs = append(errs, e.Teardown)
	}
	return errs
}
