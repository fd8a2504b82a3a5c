package chat

import "errors"

var (
	// ErrValidation marks a malformed request. Nothing was changed.
	ErrValidation = errors.New("invalid request")
	// ErrAuthorization marks a user acting on a room they do not participate in.
	ErrAuthorization = errors.New("not a participant")
	// ErrUnavailable marks a storage or bus outage before any side effect
	// became visible. The request may be retried.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrBroadcastFailed marks a write that was stored but could not be
	// published. Retrying would duplicate it; peers recover through history.
	ErrBroadcastFailed = errors.New("stored but not broadcast")
)

// Error codes sent to clients in error frames.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeForbidden       = "FORBIDDEN"
	CodeUnavailable     = "UNAVAILABLE"
	CodeBroadcastFailed = "BROADCAST_FAILED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

// Code maps an error from this package to its wire code and whether the
// client may retry the request.
func Code(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeInvalidArgument, false
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden, false
	case errors.Is(err, ErrBroadcastFailed):
		return CodeBroadcastFailed, false
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable, true
	default:
		return CodeInternal, false
	}
}
