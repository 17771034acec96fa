// Package ratelimit tracks the rate-limit window reported by the X API and
// retries operations that were refused because of it.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mikequentel/xclient/internal/apierror"
	"github.com/mikequentel/xclient/internal/logger"
)

const (
	HeaderLimit     = "x-rate-limit-limit"
	HeaderRemaining = "x-rate-limit-remaining"
	HeaderReset     = "x-rate-limit-reset"
)

// Info is the rate-limit state parsed from one response. Nil fields were not
// present in the headers.
type Info struct {
	Limit     *int
	Remaining *int
	ResetAt   *int64 // unix seconds
}

// FromHeaders parses the three rate-limit headers, matching names
// case-insensitively. Missing or malformed values are left nil.
func FromHeaders(h http.Header) Info {
	var info Info
	if v, ok := parseInt(headerValue(h, HeaderLimit)); ok {
		n := int(v)
		info.Limit = &n
	}
	if v, ok := parseInt(headerValue(h, HeaderRemaining)); ok {
		n := int(v)
		info.Remaining = &n
	}
	if v, ok := parseInt(headerValue(h, HeaderReset)); ok {
		info.ResetAt = &v
	}
	return info
}

// IsExhausted is true only when the server said zero requests remain.
// An unknown remaining count is never treated as exhausted.
func (i Info) IsExhausted() bool {
	return i.Remaining != nil && *i.Remaining == 0
}

// UntilReset returns how long until the window resets, clamped at zero.
// ok is false when the reset time is unknown.
func (i Info) UntilReset(now time.Time) (d time.Duration, ok bool) {
	if i.ResetAt == nil {
		return 0, false
	}
	d = time.Unix(*i.ResetAt, 0).Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

func headerValue(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func parseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// RetryConfig controls exponential backoff. It is a value type; copies are
// independent.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	ExponentialBase float64
	MaxDelay        time.Duration
	Jitter          bool
}

// DefaultRetryConfig returns three retries starting at one second, doubling,
// capped at a minute, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		ExponentialBase: 2,
		MaxDelay:        time.Minute,
		Jitter:          true,
	}
}

// CalculateDelay returns min(BaseDelay * ExponentialBase^attempt, MaxDelay).
// With Jitter the result is drawn uniformly from [0, delay].
func (c RetryConfig) CalculateDelay(attempt int) time.Duration {
	delay := math.Min(float64(c.BaseDelay)*math.Pow(c.ExponentialBase, float64(attempt)), float64(c.MaxDelay))
	if c.Jitter {
		delay = rand.Float64() * delay
	}
	return time.Duration(delay)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handler remembers the most recent rate-limit state and applies it before
// each attempt. A Handler is not safe for concurrent use; give each
// sequential caller its own.
type Handler struct {
	retry RetryConfig
	info  *Info

	Sleep SleepFunc
	Now   func() time.Time
}

func NewHandler(cfg RetryConfig) *Handler {
	return &Handler{
		retry: cfg,
		Sleep: Sleep,
		Now:   time.Now,
	}
}

// Update replaces the cached state with what h carries. Empty headers produce
// an empty Info, which also clears a previously exhausted window.
func (h *Handler) Update(headers http.Header) {
	info := FromHeaders(headers)
	h.info = &info
}

// Info returns a copy of the cached state, or nil before the first update.
func (h *Handler) Info() *Info {
	if h.info == nil {
		return nil
	}
	info := *h.info
	return &info
}

// WaitIfNeeded sleeps until the window resets when the cached state says no
// requests remain. It fails without sleeping when the reset time is unknown.
func (h *Handler) WaitIfNeeded(ctx context.Context) error {
	if h.info == nil || !h.info.IsExhausted() {
		return nil
	}
	wait, ok := h.info.UntilReset(h.Now())
	if !ok {
		return &apierror.RateLimitError{Message: "rate limit exhausted with unknown reset time"}
	}
	logger.Info("rate limit exhausted, waiting for reset", "wait", wait)
	return h.Sleep(ctx, wait)
}

// clear drops the exhausted state after the server refused a request so the
// next attempt is paced by backoff alone.
func (h *Handler) clear(resetAt int64) {
	if resetAt == 0 {
		h.info = nil
		return
	}
	h.info = &Info{ResetAt: &resetAt}
}

// Operation is one network call. It returns the response headers alongside
// its result so the handler can track the window.
type Operation[T any] func(ctx context.Context) (T, http.Header, error)

// RetryPredicate decides whether an error is worth another attempt.
type RetryPredicate func(error) bool

// DefaultShouldRetry retries only rate-limit refusals.
func DefaultShouldRetry(err error) bool {
	return apierror.IsRateLimit(err)
}

// Execute runs op, retrying with exponential backoff while shouldRetry
// accepts the error, for at most MaxRetries+1 attempts in total. A nil
// shouldRetry means DefaultShouldRetry. A nil handler runs op once.
func Execute[T any](ctx context.Context, h *Handler, op Operation[T], shouldRetry RetryPredicate) (T, error) {
	var zero T
	if h == nil {
		result, _, err := op(ctx)
		return result, err
	}
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	for attempt := 0; ; attempt++ {
		if err := h.WaitIfNeeded(ctx); err != nil {
			return zero, err
		}

		result, headers, err := op(ctx)
		if err == nil {
			h.Update(headers)
			return result, nil
		}
		if !shouldRetry(err) || attempt >= h.retry.MaxRetries {
			return zero, err
		}

		var rl *apierror.RateLimitError
		if errors.As(err, &rl) {
			h.clear(rl.ResetAt)
		} else {
			h.clear(0)
		}

		delay := h.retry.CalculateDelay(attempt)
		logger.Debug("retrying after backoff", "attempt", attempt+1, "delay", delay, "error", err)
		if err := h.Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}
