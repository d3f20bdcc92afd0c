package types

import (
	"errors"
	"fmt"
)

// Failure classes. Concrete errors wrap one of these so callers can
// branch with errors.Is without knowing the concrete type.
var (
	// ErrRetryable marks a transient failure (e.g. sampling did not converge).
	ErrRetryable = errors.New("retryable failure")
	// ErrNonRetryable marks a deterministic failure: bad input or exhausted trials.
	ErrNonRetryable = errors.New("non-retryable failure")
	// ErrIO marks a failure to commit output to its destination.
	ErrIO = errors.New("output failure")
	// ErrConfiguration marks a broken protocol or run configuration.
	ErrConfiguration = errors.New("configuration error")
)

// ConfigError describes an invalid protocol or run configuration.
// It is fatal for the whole run and is raised before any job starts.
type ConfigError struct {
	Component string // "mover", "filter", "outputter", "protocol", ...
	Name      string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("configuration error in %s: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("configuration error in %s %q: %v", e.Component, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConfiguration) match any ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// IOError wraps an outputter failure for a single job.
type IOError struct {
	Tag string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("output %q: %v", e.Tag, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// StatusError converts a terminal mover status into an error of the right class.
func StatusError(status MoverStatus) error {
	switch status {
	case MoverSuccess:
		return nil
	case MoverFailRetry:
		return fmt.Errorf("%w: mover returned %s", ErrRetryable, status)
	default:
		return fmt.Errorf("%w: mover returned %s", ErrNonRetryable, status)
	}
}
