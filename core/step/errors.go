package step

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout marks an asynchronous invocation that did not finish in time.
	ErrTimeout = errors.New("step timed out")
	// ErrUnknownStep is returned for a step key or implementation name that is
	// not registered.
	ErrUnknownStep = errors.New("unknown step")
	// ErrMissingParameter is returned when a required parameter is absent.
	ErrMissingParameter = errors.New("missing step parameter")
	// ErrParameterType is returned when a parameter holds an unexpected type.
	ErrParameterType = errors.New("step parameter has wrong type")
)

// ConfigurationError aborts the workflow that needed the step. It is never
// retried.
type ConfigurationError struct {
	Step string
	Key  string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("step %s: parameter %s: %v", e.Step, e.Key, e.Err)
	}
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TimeoutError names the participant and period whose step did not answer.
type TimeoutError struct {
	Step        string
	Participant string
	Period      string
	After       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s for %s on %s: no result after %s", e.Step, e.Participant, e.Period, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
