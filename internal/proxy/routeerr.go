package proxy

import (
	"fmt"

	"github.com/piwi3910/neuroroute/pkg/apierr"
)

// RouteError is the router's internal error-sum-type (spec §9 "Exceptions
// as data"): a concrete Go error carrying an apierr.ErrorKind so transport
// mapping happens in exactly one place (pkg/apierr), not scattered across
// the router. Grounded on original_source/utils/error_handler.py's
// classify-and-tag approach.
type RouteError struct {
	kind    apierr.ErrorKind
	message string
	backend string
}

func NewRouteError(kind apierr.ErrorKind, backend, format string, args ...any) *RouteError {
	return &RouteError{kind: kind, backend: backend, message: fmt.Sprintf(format, args...)}
}

func (e *RouteError) Error() string {
	if e.backend != "" {
		return fmt.Sprintf("%s: %s", e.backend, e.message)
	}
	return e.message
}

func (e *RouteError) Kind() apierr.ErrorKind { return e.kind }

func (e *RouteError) Backend() string { return e.backend }
