package lightz

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrScopeClosed is returned when a scope is closed a second time.
	ErrScopeClosed = errors.New("already closed")

	// ErrTracerClosed is returned by Flush once the tracer has been closed.
	ErrTracerClosed = errors.New("tracer closed")
)

// ConfigurationError reports invalid construction-time input.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func newConfigError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err, or any error it wraps, is a
// *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// TransportError reports a failed delivery attempt.
type TransportError struct {
	Err        error
	Op         string
	StatusCode int
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err, or any error it wraps, is a
// *TransportError.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}
