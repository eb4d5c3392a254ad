package backoff

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/leslychao/datapulse-sub000/internal/fetch"
)

func newTestClassifier() Classifier {
	return NewClassifier(Policy{
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0,
		MaxAttempts:     5,
	})
}

func httpError(status int, headers map[string]string) *fetch.HTTPError {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &fetch.HTTPError{StatusCode: status, Header: h}
}

func TestClassify_RetryAfterSeconds(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(httpError(429, map[string]string{"Retry-After": "5"}), 0, 5)

	if !d.Retry {
		t.Fatal("expected retryable decision")
	}
	if d.Delay != 5*time.Second {
		t.Errorf("Delay = %v, want 5s", d.Delay)
	}
	if d.Code != CodeRemoteRateLimited {
		t.Errorf("Code = %q, want %q", d.Code, CodeRemoteRateLimited)
	}
	if d.LongBackoff {
		t.Error("5s cooldown should not be flagged as long backoff")
	}
}

func TestClassify_RetryAfterHTTPDate(t *testing.T) {
	c := newTestClassifier()

	date := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := c.Classify(httpError(429, map[string]string{"Retry-After": date}), 0, 5)

	if !d.Retry {
		t.Fatal("expected retryable decision")
	}
	if d.Delay <= 0 || d.Delay > 10*time.Second {
		t.Errorf("Delay = %v, want a positive delay at most 10s", d.Delay)
	}
}

func TestClassify_LongCooldownFlagged(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(httpError(429, map[string]string{"Retry-After": "120"}), 0, 5)

	if !d.Retry {
		t.Fatal("expected retryable decision")
	}
	if !d.LongBackoff {
		t.Error("120s cooldown should be flagged as long backoff")
	}
	if d.Delay != 120*time.Second {
		t.Errorf("Delay = %v, want 120s", d.Delay)
	}
}

func TestClassify_ResetHeaderDelta(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(httpError(429, map[string]string{"X-RateLimit-Reset": "42"}), 0, 5)

	if d.Code != CodeRemoteRateLimited {
		t.Fatalf("Code = %q, want %q", d.Code, CodeRemoteRateLimited)
	}
	if d.Delay != 42*time.Second {
		t.Errorf("Delay = %v, want 42s", d.Delay)
	}
}

func TestClassify_ResetHeaderEpoch(t *testing.T) {
	c := newTestClassifier()

	reset := time.Now().Add(30 * time.Second).Unix()
	d := c.Classify(httpError(429, map[string]string{"X-RateLimit-Reset": strconv.FormatInt(reset, 10)}), 0, 5)

	if d.Code != CodeRemoteRateLimited {
		t.Fatalf("Code = %q, want %q", d.Code, CodeRemoteRateLimited)
	}
	if d.Delay <= 0 || d.Delay > 30*time.Second {
		t.Errorf("Delay = %v, want a positive delay at most 30s", d.Delay)
	}
}

func TestClassify_429WithoutHeadersUsesPolicy(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(httpError(429, nil), 0, 5)

	if !d.Retry {
		t.Fatal("expected retryable decision")
	}
	if d.Delay != 1*time.Second {
		t.Errorf("Delay = %v, want policy delay 1s", d.Delay)
	}
	if d.Code != "transient_http_429" {
		t.Errorf("Code = %q, want transient_http_429", d.Code)
	}
}

func TestClassify_RetryableStatuses(t *testing.T) {
	c := newTestClassifier()

	for _, status := range []int{408, 425, 500, 502, 503, 504, 599} {
		d := c.Classify(httpError(status, nil), 0, 5)
		if !d.Retry {
			t.Errorf("status %d should be retryable", status)
		}
		if d.Code != fmt.Sprintf("transient_http_%d", status) {
			t.Errorf("status %d: Code = %q", status, d.Code)
		}
	}
}

func TestClassify_TerminalStatuses(t *testing.T) {
	c := newTestClassifier()

	for _, status := range []int{400, 401, 403, 404, 410, 422} {
		d := c.Classify(httpError(status, nil), 0, 5)
		if d.Retry {
			t.Errorf("status %d should be terminal", status)
		}
		if d.Code != fmt.Sprintf("terminal_http_%d", status) {
			t.Errorf("status %d: Code = %q", status, d.Code)
		}
	}
}

func TestClassify_PolicyDelayGrowsWithAttempts(t *testing.T) {
	c := newTestClassifier()

	first := c.Classify(httpError(503, nil), 0, 5)
	third := c.Classify(httpError(503, nil), 2, 5)

	if first.Delay != 1*time.Second {
		t.Errorf("first attempt delay = %v, want 1s", first.Delay)
	}
	if third.Delay != 4*time.Second {
		t.Errorf("third attempt delay = %v, want 4s", third.Delay)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify_NetworkErrors(t *testing.T) {
	c := newTestClassifier()

	for _, err := range []error{
		timeoutErr{},
		&net.OpError{Op: "dial", Err: errors.New("connection refused")},
		fmt.Errorf("fetch: %w", timeoutErr{}),
	} {
		d := c.Classify(err, 0, 5)
		if !d.Retry {
			t.Errorf("%v should be retryable", err)
		}
		if d.Code != CodeTransientNetwork {
			t.Errorf("%v: Code = %q, want %q", err, d.Code, CodeTransientNetwork)
		}
	}
}

func TestClassify_CircuitOpen(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(gobreaker.ErrOpenState, 0, 5)

	if !d.Retry {
		t.Fatal("open circuit should be retryable")
	}
	if d.Code != CodeCircuitOpen {
		t.Errorf("Code = %q, want %q", d.Code, CodeCircuitOpen)
	}
}

func TestClassify_UnknownErrorIsTerminal(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(errors.New("unknown provider \"foo\""), 0, 5)

	if d.Retry {
		t.Error("unknown errors must be terminal")
	}
	if d.Code != "terminal" {
		t.Errorf("Code = %q, want terminal", d.Code)
	}
}

func TestClassify_ExhaustedAttemptsForceTerminal(t *testing.T) {
	c := newTestClassifier()

	// 4 attempts already made with max 5: this fifth failure is final.
	d := c.Classify(httpError(503, nil), 4, 5)

	if d.Retry {
		t.Error("exhausted attempt budget must force a terminal decision")
	}
	if d.Delay != 0 {
		t.Errorf("Delay = %v, want 0 for terminal", d.Delay)
	}
	// The class is preserved for diagnostics even when forced terminal.
	if d.Code != "transient_http_503" {
		t.Errorf("Code = %q, want transient_http_503", d.Code)
	}
}

func TestClassify_RateLimitCooldownExhaustsBudgetToo(t *testing.T) {
	c := newTestClassifier()

	d := c.Classify(httpError(429, map[string]string{"Retry-After": "60"}), 4, 5)

	if d.Retry {
		t.Error("a provider cooldown does not extend the attempt budget")
	}
	if d.LongBackoff {
		t.Error("terminal decisions must not carry a long backoff flag")
	}
}
