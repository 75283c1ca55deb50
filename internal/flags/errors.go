// Package flags holds the error helpers shared by the run.Group units of the
// lightz binaries.
package flags

import (
	hme "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/tetratelabs/multierror"
)

// FlagErr is the format used for every flag validation error. It takes the
// flag name and the underlying error.
const FlagErr = "invalid value for flag --%s: %w"

// Error is a constant error type.
type Error string

// Error implements error.
func (e Error) Error() string { return string(e) }

// ErrRequired is returned for flags that must be set.
const ErrRequired Error = "required"

// HasError reports whether target is found in err, looking through wrapped
// errors and both multierror flavors used in this module.
func HasError(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if errors.Is(err, target) {
		return true
	}

	var tErr *multierror.Error
	if errors.As(err, &tErr) {
		for _, e := range tErr.Errors {
			if HasError(e, target) {
				return true
			}
		}
	}
	var hErr *hme.Error
	if errors.As(err, &hErr) {
		for _, e := range hErr.Errors {
			if HasError(e, target) {
				return true
			}
		}
	}
	return false
}
