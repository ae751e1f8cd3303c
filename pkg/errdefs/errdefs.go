package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the control-plane taxonomy. Every error
// surfaced across a subsystem boundary (storage, driver, API) is wrapped
// around exactly one kind so that retry policy and HTTP mapping stay
// uniform.
type Kind string

const (
	KindValidation       Kind = "Validation"
	KindAuthRequired     Kind = "AuthRequired"
	KindPermissionDenied Kind = "PermissionDenied"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindTransient        Kind = "Transient"
	KindPermanent        Kind = "Permanent"
)

// Sentinel errors, one per kind. Wrap them with Wrapf or the per-kind
// constructors; test with errors.Is or the Is* predicates.
var (
	ErrValidation       = &kindError{kind: KindValidation, msg: "the provided value is invalid"}
	ErrAuthRequired     = &kindError{kind: KindAuthRequired, msg: "authentication required"}
	ErrPermissionDenied = &kindError{kind: KindPermissionDenied, msg: "access to the requested resource is forbidden"}
	ErrNotFound         = &kindError{kind: KindNotFound, msg: "the requested resource was not found"}
	ErrConflict         = &kindError{kind: KindConflict, msg: "the resource was modified concurrently"}
	ErrTransient        = &kindError{kind: KindTransient, msg: "temporary infrastructure failure"}
	ErrPermanent        = &kindError{kind: KindPermanent, msg: "permanent failure"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// wrapped carries a kind sentinel plus context. It unwraps to the sentinel
// so errors.Is(err, ErrConflict) holds for every Conflict error in the tree.
type wrapped struct {
	sentinel *kindError
	msg      string
	cause    error
}

func (e *wrapped) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *wrapped) Unwrap() []error {
	if e.cause != nil {
		return []error{e.sentinel, e.cause}
	}
	return []error{e.sentinel}
}

func wrapf(sentinel *kindError, cause error, format string, args ...any) error {
	return &wrapped{sentinel: sentinel, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Per-kind constructors.

func Validationf(format string, args ...any) error {
	return wrapf(ErrValidation, nil, format, args...)
}

func AuthRequiredf(format string, args ...any) error {
	return wrapf(ErrAuthRequired, nil, format, args...)
}

func PermissionDeniedf(format string, args ...any) error {
	return wrapf(ErrPermissionDenied, nil, format, args...)
}

func NotFoundf(format string, args ...any) error {
	return wrapf(ErrNotFound, nil, format, args...)
}

func Conflictf(format string, args ...any) error {
	return wrapf(ErrConflict, nil, format, args...)
}

func Transientf(format string, args ...any) error {
	return wrapf(ErrTransient, nil, format, args...)
}

func Permanentf(format string, args ...any) error {
	return wrapf(ErrPermanent, nil, format, args...)
}

// Wrap attaches a kind sentinel to an existing error, keeping it in the
// chain.
func Wrap(sentinel *kindError, err error, msg string) error {
	return wrapf(sentinel, err, "%s", msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(sentinel *kindError, cause error, format string, args ...any) error {
	return wrapf(sentinel, cause, format, args...)
}

// Predicates.

func IsValidation(err error) bool       { return errors.Is(err, ErrValidation) }
func IsAuthRequired(err error) bool     { return errors.Is(err, ErrAuthRequired) }
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool         { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool        { return errors.Is(err, ErrTransient) }
func IsPermanent(err error) bool        { return errors.Is(err, ErrPermanent) }

// KindOf reports the taxonomy kind of err. Unclassified errors are
// Permanent: an unknown failure must not be retried blindly.
func KindOf(err error) Kind {
	switch {
	case IsValidation(err):
		return KindValidation
	case IsAuthRequired(err):
		return KindAuthRequired
	case IsPermissionDenied(err):
		return KindPermissionDenied
	case IsNotFound(err):
		return KindNotFound
	case IsConflict(err):
		return KindConflict
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}

// HTTPStatus maps err to the wire status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the wire "type" field for err, e.g.
// "PermissionDeniedException".
func TypeOf(err error) string {
	return string(KindOf(err)) + "Exception"
}

// FromHTTPStatus reconstructs the taxonomy kind from a response status
// code. Used by clients to re-type errors coming off the wire.
func FromHTTPStatus(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		return Validationf("%s", msg)
	case http.StatusUnauthorized:
		return AuthRequiredf("%s", msg)
	case http.StatusForbidden:
		return PermissionDeniedf("%s", msg)
	case http.StatusNotFound:
		return NotFoundf("%s", msg)
	case http.StatusConflict:
		return Conflictf("%s", msg)
	case http.StatusServiceUnavailable, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return Transientf("%s", msg)
	default:
		return Permanentf("unexpected status %d: %s", status, msg)
	}
}
