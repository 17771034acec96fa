package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mikequentel/xclient/internal/apierror"
)

// ===================== Info =====================

func TestFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers http.Header
	}{
		{"canonical", http.Header{
			"X-Rate-Limit-Limit":     {"300"},
			"X-Rate-Limit-Remaining": {"299"},
			"X-Rate-Limit-Reset":     {"1728730800"},
		}},
		{"mixed case keys", http.Header{
			"x-rate-limit-limit":     {"300"},
			"X-RATE-LIMIT-REMAINING": {"299"},
			"x-RATE-limit-RESET":     {"1728730800"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := FromHeaders(tt.headers)
			if info.Limit == nil || *info.Limit != 300 {
				t.Errorf("Limit = %v, want 300", info.Limit)
			}
			if info.Remaining == nil || *info.Remaining != 299 {
				t.Errorf("Remaining = %v, want 299", info.Remaining)
			}
			if info.ResetAt == nil || *info.ResetAt != 1728730800 {
				t.Errorf("ResetAt = %v, want 1728730800", info.ResetAt)
			}
		})
	}
}

func TestFromHeadersMissingValues(t *testing.T) {
	info := FromHeaders(http.Header{"X-Rate-Limit-Remaining": {"not-a-number"}})
	if info.Limit != nil || info.Remaining != nil || info.ResetAt != nil {
		t.Errorf("expected all fields nil, got %+v", info)
	}
}

func intp(n int) *int       { return &n }
func int64p(n int64) *int64 { return &n }

func TestIsExhausted(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want bool
	}{
		{"remaining", Info{Limit: intp(300), Remaining: intp(10), ResetAt: int64p(1)}, false},
		{"zero remaining", Info{Limit: intp(300), Remaining: intp(0), ResetAt: int64p(1)}, true},
		{"unknown remaining", Info{Limit: intp(300), ResetAt: int64p(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.IsExhausted(); got != tt.want {
				t.Errorf("IsExhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUntilReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	future := Info{ResetAt: int64p(now.Unix() + 3600)}
	if d, ok := future.UntilReset(now); !ok || d != time.Hour {
		t.Errorf("future UntilReset = %v, %v; want 1h, true", d, ok)
	}

	past := Info{ResetAt: int64p(now.Unix() - 3600)}
	if d, ok := past.UntilReset(now); !ok || d != 0 {
		t.Errorf("past UntilReset = %v, %v; want 0, true", d, ok)
	}

	if _, ok := (Info{}).UntilReset(now); ok {
		t.Error("UntilReset without reset time should report ok=false")
	}
}

// ===================== RetryConfig =====================

func TestCalculateDelayExponential(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, ExponentialBase: 2, MaxDelay: 60 * time.Second}
	for n := 0; n <= 10; n++ {
		want := time.Duration(math.Min(float64(time.Second)*math.Pow(2, float64(n)), float64(60*time.Second)))
		if got := cfg.CalculateDelay(n); got != want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", n, got, want)
		}
	}
	if got := cfg.CalculateDelay(3); got != 8*time.Second {
		t.Errorf("CalculateDelay(3) = %v, want 8s", got)
	}
}

func TestCalculateDelayCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, ExponentialBase: 2, MaxDelay: 10 * time.Second}
	if got := cfg.CalculateDelay(10); got != 10*time.Second {
		t.Errorf("CalculateDelay(10) = %v, want 10s", got)
	}
}

func TestCalculateDelayJitter(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, ExponentialBase: 2, MaxDelay: time.Minute, Jitter: true}
	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		d := cfg.CalculateDelay(2)
		if d < 0 || d > 4*time.Second {
			t.Fatalf("jittered delay %v outside [0, 4s]", d)
		}
		seen[d] = true
	}
	if len(seen) <= 10 {
		t.Errorf("expected varying jittered delays, got %d distinct values", len(seen))
	}
}

// ===================== Handler =====================

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func newTestHandler(cfg RetryConfig) (*Handler, *sleepRecorder) {
	rec := &sleepRecorder{}
	h := NewHandler(cfg)
	h.Sleep = rec.sleep
	return h, rec
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestHandlerUpdateAndInfo(t *testing.T) {
	h := NewHandler(DefaultRetryConfig())
	if h.Info() != nil {
		t.Fatal("expected nil info before first update")
	}
	h.Update(headers(HeaderLimit, "300", HeaderRemaining, "299", HeaderReset, "1728730800"))
	info := h.Info()
	if info == nil || *info.Limit != 300 || *info.Remaining != 299 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestWaitIfNeededNotExhausted(t *testing.T) {
	h, rec := newTestHandler(DefaultRetryConfig())
	h.Update(headers(HeaderRemaining, "10", HeaderReset, "1728730800"))
	if err := h.WaitIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected no sleep, got %v", rec.calls)
	}
}

func TestWaitIfNeededExhausted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h, rec := newTestHandler(DefaultRetryConfig())
	h.Now = func() time.Time { return now }
	h.Update(headers(HeaderRemaining, "0", HeaderReset, strconv.FormatInt(now.Unix()+10, 10)))

	if err := h.WaitIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.calls) != 1 || rec.calls[0] != 10*time.Second {
		t.Errorf("expected a single 10s wait, got %v", rec.calls)
	}
}

func TestWaitIfNeededUnknownReset(t *testing.T) {
	h, rec := newTestHandler(DefaultRetryConfig())
	h.Update(headers(HeaderLimit, "300", HeaderRemaining, "0"))

	err := h.WaitIfNeeded(context.Background())
	var rl *apierror.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "unknown reset time") {
		t.Errorf("unexpected message: %v", err)
	}
	if len(rec.calls) != 0 {
		t.Errorf("expected no sleep, got %v", rec.calls)
	}
}

func TestExecuteSuccess(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig())
	calls := 0
	got, err := Execute(context.Background(), h, func(context.Context) (string, http.Header, error) {
		calls++
		return "success", headers(HeaderRemaining, "299"), nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "success" || calls != 1 {
		t.Errorf("got %q after %d calls", got, calls)
	}
	if info := h.Info(); info == nil || *info.Remaining != 299 {
		t.Errorf("expected cached remaining 299, got %+v", info)
	}
}

func TestExecuteRetriesRateLimitWithBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, ExponentialBase: 2, MaxDelay: time.Minute}
	h, rec := newTestHandler(cfg)
	reset := time.Now().Unix() + 1

	calls := 0
	got, err := Execute(context.Background(), h, func(context.Context) (string, http.Header, error) {
		calls++
		if calls == 1 {
			return "", nil, &apierror.RateLimitError{Message: "Rate limit", ResetAt: reset}
		}
		return "success", headers(HeaderRemaining, "299"), nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "success" || calls != 2 {
		t.Errorf("got %q after %d calls", got, calls)
	}
	if len(rec.calls) != 1 || rec.calls[0] != cfg.CalculateDelay(0) {
		t.Errorf("expected one backoff sleep of %v, got %v", cfg.CalculateDelay(0), rec.calls)
	}
}

func TestExecuteClearsCachedLimitAfterRefusal(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 1, BaseDelay: 100 * time.Millisecond, ExponentialBase: 2, MaxDelay: time.Minute}
	h, rec := newTestHandler(cfg)
	reset := time.Now().Unix() + 1

	calls := 0
	_, err := Execute(context.Background(), h, func(context.Context) (string, http.Header, error) {
		calls++
		if calls == 1 {
			return "", nil, &apierror.RateLimitError{Message: "Rate limit", ResetAt: reset}
		}
		return "success", http.Header{}, nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 || len(rec.calls) != 1 {
		t.Errorf("calls=%d sleeps=%v", calls, rec.calls)
	}
	if info := h.Info(); info != nil && info.IsExhausted() {
		t.Errorf("expected cached state not exhausted, got %+v", info)
	}
}

func TestExecuteStopsAfterMaxRetries(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, ExponentialBase: 2, MaxDelay: time.Minute}
	h, rec := newTestHandler(cfg)

	calls := 0
	_, err := Execute(context.Background(), h, func(context.Context) (int, http.Header, error) {
		calls++
		return 0, nil, &apierror.RateLimitError{Message: "Rate limit", ResetAt: time.Now().Unix() + 1}
	}, nil)
	if !apierror.IsRateLimit(err) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(rec.calls) != 2 {
		t.Errorf("expected 2 backoff sleeps, got %v", rec.calls)
	}
}

func TestExecuteDoesNotRetryOtherErrors(t *testing.T) {
	h, rec := newTestHandler(DefaultRetryConfig())
	sentinel := errors.New("invalid value")

	calls := 0
	_, err := Execute(context.Background(), h, func(context.Context) (int, http.Header, error) {
		calls++
		return 0, nil, sentinel
	}, nil)
	if err != sentinel {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
	if calls != 1 || len(rec.calls) != 0 {
		t.Errorf("calls=%d sleeps=%v", calls, rec.calls)
	}
}

func TestExecuteCustomPredicate(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, ExponentialBase: 2, MaxDelay: time.Minute}
	h, _ := newTestHandler(cfg)
	transient := errors.New("transient")

	calls := 0
	got, err := Execute(context.Background(), h, func(context.Context) (string, http.Header, error) {
		calls++
		if calls == 1 {
			return "", nil, transient
		}
		return "success", nil, nil
	}, func(err error) bool {
		return apierror.IsRateLimit(err) || errors.Is(err, transient)
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "success" || calls != 2 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestExecuteFailsFastOnUnknownReset(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig())
	h.Update(headers(HeaderRemaining, "0"))

	calls := 0
	_, err := Execute(context.Background(), h, func(context.Context) (int, http.Header, error) {
		calls++
		return 1, nil, nil
	}, nil)
	if !apierror.IsRateLimit(err) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if calls != 0 {
		t.Errorf("operation should not run, ran %d times", calls)
	}
}

func TestExecuteNilHandler(t *testing.T) {
	got, err := Execute(context.Background(), nil, func(context.Context) (int, http.Header, error) {
		return 7, nil, nil
	}, nil)
	if err != nil || got != 7 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled context = %v, want context.Canceled", err)
	}
}
