// Package apierror defines the error kinds surfaced by the client.
//
// Transport failures are translated into these types before they reach the
// post, media and rate-limit packages; callers branch on them with errors.As.
// RateLimitError, MediaProcessingTimeout and MediaProcessingFailed are remote
// failures too: each unwraps to a *ResponseError, so a check for any API
// error matches them.
package apierror

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or invalid setup, such as incomplete
// credentials.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }

// AuthenticationError reports rejected or expired credentials.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// ResponseError is a generic failure reported by the remote API. Code is the
// API error code when the response carried one, otherwise zero.
type ResponseError struct {
	Message string
	Code    int
}

func (e *ResponseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// RateLimitError reports that the remote API refused the request because the
// current rate-limit window is used up. ResetAt is the unix time at which the
// window resets, or zero when unknown.
type RateLimitError struct {
	Message string
	ResetAt int64
}

func (e *RateLimitError) Error() string {
	if e.ResetAt != 0 {
		return fmt.Sprintf("%s (resets at %d)", e.Message, e.ResetAt)
	}
	return e.Message
}

func (e *RateLimitError) Unwrap() error { return &ResponseError{Message: e.Message} }

// MediaValidationError reports that a local media file cannot be uploaded.
// It is returned before any network call is made.
type MediaValidationError struct {
	Path    string
	Message string
}

func (e *MediaValidationError) Error() string { return e.Message }

// MediaProcessingTimeout reports that server-side processing did not reach a
// terminal state within the caller's budget.
type MediaProcessingTimeout struct {
	MediaID string
	Message string
}

func (e *MediaProcessingTimeout) Error() string { return e.Message }

func (e *MediaProcessingTimeout) Unwrap() error { return &ResponseError{Message: e.Message} }

// MediaProcessingFailed reports that the server rejected uploaded media.
type MediaProcessingFailed struct {
	MediaID string
	Message string
	Code    int
}

func (e *MediaProcessingFailed) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

func (e *MediaProcessingFailed) Unwrap() error {
	return &ResponseError{Message: e.Message, Code: e.Code}
}

// IsRateLimit reports whether err is, or wraps, a *RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsAuthentication reports whether err is, or wraps, an *AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
