// Package errs defines the error kinds shared by every component.
//
// Components wrap failures in *Error so callers can branch on a Kind
// without string matching:
//
//	if errs.Is(err, errs.RateLimited) {
//	    time.Sleep(errs.RetryAfter(err))
//	}
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind string

// Authentication kinds.
const (
	InvalidCredentials Kind = "invalid_credentials"
	TwoFactorInvalid   Kind = "two_factor_invalid"
	TwoFactorExpired   Kind = "two_factor_expired"
	NotAuthenticated   Kind = "not_authenticated"
	SessionExpired     Kind = "session_expired"
)

// Throttling kind. Errors of this kind may carry a retry-after hint.
const RateLimited Kind = "rate_limited"

// Transient kinds, retried internally before they are surfaced.
const (
	NetworkTimeout    Kind = "network_timeout"
	ConnectionFailed  Kind = "connection_failed"
	ServerUnavailable Kind = "server_unavailable"
)

// Download kinds.
const (
	PermissionDenied Kind = "permission_denied"
	NotFound         Kind = "not_found"
	Incomplete       Kind = "incomplete"
	RetriesExhausted Kind = "retries_exhausted"
	DiskWriteFailed  Kind = "disk_write_failed"
	Cancelled        Kind = "cancelled"
)

// Cache kinds.
const (
	EvictionFailure Kind = "eviction_failure"
	CorruptEntry    Kind = "corrupt_entry"
)

// Everything else.
const (
	InvalidInput Kind = "invalid_input"
	Unexpected   Kind = "unexpected"
)

// Category groups kinds the way callers usually handle them.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryRate      Category = "rate"
	CategoryTransient Category = "transient"
	CategoryDownload  Category = "download"
	CategoryCache     Category = "cache"
	CategoryOther     Category = "other"
)

// Category returns the group the kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case InvalidCredentials, TwoFactorInvalid, TwoFactorExpired, NotAuthenticated, SessionExpired:
		return CategoryAuth
	case RateLimited:
		return CategoryRate
	case NetworkTimeout, ConnectionFailed, ServerUnavailable:
		return CategoryTransient
	case PermissionDenied, NotFound, Incomplete, RetriesExhausted, DiskWriteFailed, Cancelled:
		return CategoryDownload
	case EvictionFailure, CorruptEntry:
		return CategoryCache
	default:
		return CategoryOther
	}
}

// Retryable reports whether an operation failing with this kind may succeed
// if repeated unchanged.
func (k Kind) Retryable() bool {
	switch k.Category() {
	case CategoryRate, CategoryTransient:
		return true
	}
	return k == Incomplete
}

// Error is the concrete error type returned by the core packages.
type Error struct {
	// Op is the operation that failed, e.g. "auth.Login".
	Op string
	// Kind classifies the failure.
	Kind Kind
	// RetryAfter is the server supplied wait for RateLimited errors, zero if absent.
	RetryAfter time.Duration
	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error.
func E(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Limited builds a RateLimited error carrying the retry-after hint.
func Limited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Op: op, Kind: RateLimited, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Unexpected when there is none. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unexpected
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// RetryAfter extracts the retry-after hint from a RateLimited error.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
