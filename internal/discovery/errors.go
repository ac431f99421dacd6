package discovery

import (
	"errors"
	"fmt"

	"github.com/nelssec/gapscan/internal/models"
)

// ErrNoModules rejects a run before execution starts. A run with zero
// registered modules is the only configuration considered malformed; every
// other failure mode degrades to a partial report.
var ErrNoModules = errors.New("discovery: no modules registered")

// ErrNotReadOnly rejects a module at registration time.
var ErrNotReadOnly = errors.New("discovery: module violates read-only contract")

// UnavailableError reports that a module cannot run at all (missing
// dependency, no permission). It marks the module skipped for the run; it
// is never fatal.
type UnavailableError struct {
	Method models.DiscoveryMethod
	Reason string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("discovery module %s unavailable: %s", e.Method, e.Reason)
}

// Unavailable builds an UnavailableError for the given method.
func Unavailable(method models.DiscoveryMethod, format string, args ...interface{}) *UnavailableError {
	return &UnavailableError{Method: method, Reason: fmt.Sprintf(format, args...)}
}

// AsUnavailable returns the UnavailableError wrapped in err, if any.
func AsUnavailable(err error) (*UnavailableError, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
