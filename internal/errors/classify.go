package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Disposition is the retry decision for a failed refresh attempt.
type Disposition int

const (
	// Retry - transient failure, back off and try again.
	Retry Disposition = iota
	// Fatal - do not retry; surface to the caller immediately.
	Fatal
)

// Classify maps an upstream refresh outcome to a retry disposition.
// status is the HTTP status code (0 when the request never completed);
// transportErr is the transport-level error, if any.
//
// Retryable: 429, 500, 502, 503, 504, connection failures and timeouts.
// Everything else (the remaining 4xx in particular) is fatal.
func Classify(status int, transportErr error) Disposition {
	if transportErr != nil {
		if errors.Is(transportErr, context.Canceled) {
			return Fatal
		}
		var netErr net.Error
		if errors.As(transportErr, &netErr) {
			return Retry
		}
		msg := transportErr.Error()
		if strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "deadline exceeded") ||
			strings.Contains(msg, "EOF") {
			return Retry
		}
		return Fatal
	}
	switch status {
	case 429, 500, 502, 503, 504:
		return Retry
	default:
		return Fatal
	}
}
