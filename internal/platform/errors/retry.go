package errors

// Transport/status retry classification behind Retryable. The HTTP client
// wrapper keeps its own retryable status set and does not call it. This codebase has no database in this binary, so unlike other
// services built from this platform package, Retryable here never consults SQLSTATE.

import (
	stderrs "errors"
	"net"
)

// IsRetryable reports whether err represents a transient condition worth retrying:
// a classified ErrorCodeUnavailable/ErrorCodeTooManyRequests, or a net.Error that
// reports a timeout. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if stderrs.As(err, &e) {
		switch e.code {
		case ErrorCodeUnavailable, ErrorCodeTooManyRequests:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if stderrs.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
