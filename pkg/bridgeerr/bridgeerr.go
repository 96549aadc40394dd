// Package bridgeerr defines the typed error kinds the bridge's request path
// can produce, so handlers can map them to JSON-RPC error codes and HTTP
// statuses with errors.As instead of string matching.
package bridgeerr

import "fmt"

// Kind identifies a class of failure along the request path.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindBadRequest          Kind = "bad_request"
	KindInvalidKey          Kind = "invalid_key"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindRateLimited         Kind = "rate_limited"
	KindRateGateTimeout     Kind = "rate_gate_timeout"
	KindTransient           Kind = "transient"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error wraps an underlying cause with a Kind the caller can switch on.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfterMsValue carries a retry hint in milliseconds: the
	// provider-supplied Retry-After for KindRateLimited, the exceeded wait
	// bound for KindRateGateTimeout, and the preflight's retry hint when the
	// MCP handler builds a QuotaExceeded or UpstreamUnavailable error from a
	// failed Tavily preflight. Zero means "no explicit value; use the caller's fallback cooldown".
	RetryAfterMsValue int
}

// RetryAfterMs returns the carried Retry-After duration in milliseconds, or
// 0 if none was set.
func (e *Error) RetryAfterMs() int { return e.RetryAfterMsValue }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); !ok {
		return false
	}
	return e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AuthError reports an authentication failure (missing/invalid ClientToken).
func AuthError(message string) *Error { return New(KindAuth, message) }

// BadRequest reports a malformed JSON-RPC request.
func BadRequest(message string) *Error { return New(KindBadRequest, message) }

// InvalidKey reports an upstream-rejected API key.
func InvalidKey(message string, err error) *Error { return Wrap(KindInvalidKey, message, err) }

// QuotaExceeded reports an upstream key with no remaining credits.
func QuotaExceeded(message string) *Error { return New(KindQuotaExceeded, message) }

// RateLimited reports an upstream 429, optionally carrying its
// Retry-After hint in milliseconds (0 if none was parseable).
func RateLimited(message string, err error, retryAfterMs int) *Error {
	e := Wrap(KindRateLimited, message, err)
	e.RetryAfterMsValue = retryAfterMs
	return e
}

// RateGateTimeout reports a rate gate wait exceeding its bound.
func RateGateTimeout(message string, maxWaitMs int) *Error {
	e := New(KindRateGateTimeout, message)
	e.RetryAfterMsValue = maxWaitMs
	return e
}

// Transient reports a retryable upstream failure (timeout, 5xx, connection reset).
func Transient(message string, err error) *Error { return Wrap(KindTransient, message, err) }

// UpstreamUnavailable reports no usable key/provider remaining after retries.
func UpstreamUnavailable(message string) *Error { return New(KindUpstreamUnavailable, message) }

// Internal reports a bug or invariant violation.
func Internal(message string, err error) *Error { return Wrap(KindInternal, message, err) }
