package klaviyo

import (
	"errors"
	"fmt"
)

// ErrNoConversionMetric is returned when none of the candidate conversion
// metric names resolves for the account. This is fatal for a report run:
// without it every downstream revenue figure would silently be zero.
var ErrNoConversionMetric = errors.New("no conversion metric found for account")

// ErrorKind classifies upstream API failures after retries are exhausted.
type ErrorKind int

const (
	// KindNetwork means the request never produced an HTTP response.
	KindNetwork ErrorKind = iota
	// KindRateLimited means 429 responses persisted through every retry.
	KindRateLimited
	// KindTransient means 5xx responses persisted through every retry.
	KindTransient
	// KindClient means a non-retryable 4xx; the request itself is wrong.
	KindClient
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient_upstream"
	case KindClient:
		return "client_request"
	default:
		return "network"
	}
}

// APIError is a classified upstream failure. The response body is retained
// (truncated) for diagnostics.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Path       string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("klaviyo %s %s (status %d): %s", e.Kind, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("klaviyo %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// classifyStatus maps a final (post-retry) HTTP status to an ErrorKind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindClient
	}
}

// IsRateLimited reports whether err is an exhausted-retries 429 failure.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// IsTransient reports whether err is an exhausted-retries 5xx or network failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Kind == KindTransient || apiErr.Kind == KindNetwork)
}

// IsClientError reports whether err is a non-retryable 4xx failure.
func IsClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindClient
}
