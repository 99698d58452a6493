// Package tunererr defines the error-kind vocabulary shared by every
// component and the single Kind->HTTP-status translation used by the
// request surface.
package tunererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error along the lines every component agrees on.
type Kind string

const (
	NotFound               Kind = "not_found"
	InvalidArgument        Kind = "invalid_argument"
	Busy                   Kind = "busy"
	Conflict               Kind = "conflict"
	NoTunersAvailable      Kind = "no_tuners_available"
	UpstreamUnavailable    Kind = "upstream_unavailable"
	UpstreamUnreachable    Kind = "upstream_unreachable"
	DrmProtected           Kind = "drm_protected"
	TranscodeStartupTimeout Kind = "transcode_startup_timeout"
	TranscoderFailed       Kind = "transcoder_failed"
	AuthExpired            Kind = "auth_expired"
	Internal               Kind = "internal"
)

// Error is the concrete error type carried across component boundaries.
// Op names the failing operation for logging; Err is the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal if err does
// not carry one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Internal
}

// HTTPStatus implements spec §4.7's Kind->status translation.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case InvalidArgument:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case Busy:
		// §7's per-kind table marks Busy 429; §4.7's prose groups it with
		// NoTunersAvailable under 503. The table is the more specific of
		// the two and is testable against §8's scenarios, so it wins —
		// recorded as an Open Question resolution in DESIGN.md.
		return http.StatusTooManyRequests
	case NoTunersAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
