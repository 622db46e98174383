// Package errs classifies render failures so callers can pick a status and
// decide whether the session that produced them may be reused.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a failure classification.
type Kind string

// Failure kinds.
const (
	KindConfig            Kind = "config_error"
	KindPoolExhausted     Kind = "pool_exhausted"
	KindNavigationTimeout Kind = "navigation_timeout"
	KindNavigationFailed  Kind = "navigation_failed"
	KindSelectorNotFound  Kind = "selector_not_found"
	KindRenderError       Kind = "render_error"
	KindSizeLimitExceeded Kind = "size_limit_exceeded"
	KindCaptureTimeout    Kind = "capture_timeout"
	KindCompositeFailure  Kind = "composite_failure"
	KindTransport         Kind = "transport_error"
	KindInternal          Kind = "internal_error"
)

// Error carries a Kind alongside the user-visible message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Classified reports whether err already carries a Kind.
func Classified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind onto the status code returned to API clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConfig:
		return http.StatusBadRequest
	case KindSelectorNotFound:
		return http.StatusNotFound
	case KindRenderError:
		return http.StatusUnprocessableEntity
	case KindSizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindNavigationTimeout, KindCaptureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Evicts reports whether a failure of this kind leaves the browser session in
// an unknown state, so it must be destroyed instead of recycled.
func Evicts(kind Kind) bool {
	switch kind {
	case KindNavigationTimeout, KindNavigationFailed, KindCaptureTimeout,
		KindCompositeFailure, KindTransport, KindInternal:
		return true
	default:
		return false
	}
}
