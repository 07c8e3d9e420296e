package newsapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

var (
	// ErrAllKeysRateLimited is returned when a 429 took the last usable key
	// out of rotation.
	ErrAllKeysRateLimited = errors.New("newsapi: all api keys are rate limited, try again later")

	// ErrMaxAttemptsExceeded wraps the last 429 when the attempt budget ran out
	// while keys were still available.
	ErrMaxAttemptsExceeded = errors.New("newsapi: max attempts exceeded")

	// ErrInvalidQuery is returned for queries that cannot be sent upstream.
	ErrInvalidQuery = errors.New("newsapi: invalid query")

	// ErrResponseTooLarge is returned for upstream bodies over the read limit.
	ErrResponseTooLarge = errors.New("newsapi: response body too large")
)

// StatusError is an upstream HTTP response with an error status.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	const maxBody = 256
	body := e.Body
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return fmt.Sprintf("newsapi: upstream status %d: %s", e.StatusCode, body)
}

// UpstreamError is an application-level error reported inside a 2xx body.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("newsapi: upstream error %s: %s", e.Code, e.Message)
}

// IsRateLimited reports whether err means no API key can be used right now.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrAllKeysRateLimited) ||
		errors.Is(err, ErrMaxAttemptsExceeded) ||
		errors.Is(err, resilience.ErrAllKeysExhausted) ||
		errors.Is(err, resilience.ErrNoKeysConfigured)
}

// IsUpstreamFailure reports whether err says the upstream itself is unhealthy:
// transport failures and 5xx responses. Key exhaustion, 4xx and cancellation
// do not count.
func IsUpstreamFailure(err error) bool {
	if err == nil || IsRateLimited(err) || errors.Is(err, ErrInvalidQuery) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return false
	}
	return true
}
