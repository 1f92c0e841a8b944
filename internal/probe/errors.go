package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a host that is malformed or not allowed to be probed.
	ErrValidation = errors.New("invalid probe target")
	// ErrResolution marks a DNS failure. It is never retried within a probe call.
	ErrResolution = errors.New("probe target resolution failed")
	// ErrRetriesExhausted marks a probe whose every attempt timed out or produced no output.
	ErrRetriesExhausted = errors.New("probe retries exhausted")
)

// NetworkError is the only error type returned by Executor.Probe.
type NetworkError struct {
	Kind     error
	Host     string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Host)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Host, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func validationError(host, format string, args ...any) error {
	return &NetworkError{Kind: ErrValidation, Host: host, Err: fmt.Errorf(format, args...)}
}
