package mcpproxy

import (
	"errors"

	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
)

// classify maps an error from anywhere along the request path to a
// JSON-RPC error code, an HTTP status, and the message to surface. A
// *bridgeerr.Error drives the mapping by Kind; anything else is treated as
// an internal error.
func classify(err error) (code int, httpStatus int, message string) {
	var unknown *unknownMethodError
	if errors.As(err, &unknown) {
		return CodeMethodNotFound, 400, unknown.message
	}

	var e *bridgeerr.Error
	if !errors.As(err, &e) {
		return CodeInternal, 500, "internal error"
	}

	switch e.Kind {
	case bridgeerr.KindAuth:
		return CodeAuthOrSession, 401, e.Message
	case bridgeerr.KindBadRequest:
		return CodeBadRequest, 400, e.Message
	case bridgeerr.KindQuotaExceeded, bridgeerr.KindRateLimited:
		return CodeBadRequest, 429, e.Message
	case bridgeerr.KindUpstreamUnavailable, bridgeerr.KindRateGateTimeout:
		return CodeInternal, 503, e.Message
	case bridgeerr.KindInternal:
		return CodeInternal, 500, e.Message
	default:
		return CodeInternal, 500, e.Message
	}
}

// retryAfterMsOf extracts the carried Retry-After hint from a
// *bridgeerr.Error, or 0 if err carries none.
func retryAfterMsOf(err error) int {
	var e *bridgeerr.Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.RetryAfterMs()
}

// sessionError builds a BadRequest error whose message carries one of the
// documented session-invalid markers, per scenario 1.
func sessionError(message string) *bridgeerr.Error {
	return bridgeerr.BadRequest(message)
}

// unknownMethodError builds the error for an unrecognized method or tool
// name. Its JSON-RPC code is -32601 rather than -32000, overriding
// classify's default BadRequest mapping.
type unknownMethodError struct {
	message string
}

func (e *unknownMethodError) Error() string { return e.message }
