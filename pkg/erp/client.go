// Package erp talks to the remote business-function host. The gateway never
// interprets function semantics here; it ships a flat argument map out and
// hands the raw response map back to the caller's pipeline.
package erp

import (
	"context"
	"fmt"
	"strings"
)

// Client invokes one remote function by name.
type Client interface {
	Invoke(ctx context.Context, function string, args map[string]any) (map[string]any, error)
}

// UnavailableError wraps connectivity and host-side failures. Callers map it
// to the service-unavailable arm of the error taxonomy.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("remote function host unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ApplicationError reports a call the host reached but rejected, such as an
// unknown function or malformed arguments. It is distinct from connectivity
// failure; callers map it to the remote-application arm of the taxonomy.
type ApplicationError struct {
	Function string
	Messages []string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Function, strings.Join(e.Messages, "; "))
}
