// Package backoff classifies fetch failures into retryable and terminal
// outcomes and computes the delay before the next attempt. Provider responses
// carrying Retry-After or a rate-limit-reset header take priority over the
// exponential policy, since those are provider-mandated cooldowns.
package backoff

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/leslychao/datapulse-sub000/internal/fetch"
)

// Error codes recorded on source_state.last_error_code.
const (
	CodeRemoteRateLimited = "remote_rate_limited"
	CodeTransientNetwork  = "transient_network"
	CodeCircuitOpen       = "circuit_open"
)

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	// Retry is false for terminal failures, including retryable error
	// classes whose attempt budget is exhausted.
	Retry bool
	// Delay before the next attempt. Zero for terminal failures.
	Delay time.Duration
	// LongBackoff marks a provider-mandated cooldown above the in-memory
	// threshold. The retry must be scheduled durably and must not occupy a
	// worker slot while it waits.
	LongBackoff bool
	// Code is a short machine-readable error class for persistence.
	Code string
}

// Classifier maps errors raised by the fetch collaborator to retry decisions.
type Classifier struct {
	Policy Policy
	// LongBackoffThreshold: remote 429 cooldowns above this are flagged
	// LongBackoff. Defaults to 30s when zero.
	LongBackoffThreshold time.Duration
	// ResetHeaders are provider-specific rate-limit-reset headers honored in
	// addition to Retry-After, e.g. "X-RateLimit-Reset".
	ResetHeaders []string
}

func NewClassifier(policy Policy) Classifier {
	return Classifier{
		Policy:               policy,
		LongBackoffThreshold: 30 * time.Second,
		ResetHeaders:         []string{"X-RateLimit-Reset", "X-Rate-Limit-Reset", "RateLimit-Reset"},
	}
}

// Classify decides the fate of a failed attempt. attemptsMade is the number of
// attempts recorded before this one; a retry is only honored while
// attemptsMade+1 < maxAttempts, otherwise the class is forced terminal.
func (c Classifier) Classify(err error, attemptsMade, maxAttempts int) Decision {
	d := c.classify(err, attemptsMade+1)
	if d.Retry && attemptsMade+1 >= maxAttempts {
		d.Retry = false
		d.Delay = 0
		d.LongBackoff = false
	}
	return d
}

func (c Classifier) classify(err error, attempt int) Decision {
	threshold := c.LongBackoffThreshold
	if threshold == 0 {
		threshold = 30 * time.Second
	}

	var httpErr *fetch.HTTPError
	if errors.As(err, &httpErr) {
		sc := httpErr.StatusCode

		if sc == http.StatusTooManyRequests || sc == http.StatusServiceUnavailable {
			if delay, ok := c.headerDelay(httpErr.Header); ok {
				return Decision{
					Retry:       true,
					Delay:       delay,
					LongBackoff: sc == http.StatusTooManyRequests && delay > threshold,
					Code:        CodeRemoteRateLimited,
				}
			}
		}

		if isRetryableStatus(sc) {
			return Decision{
				Retry: true,
				Delay: c.Policy.Delay(attempt),
				Code:  fmt.Sprintf("transient_http_%d", sc),
			}
		}

		return Decision{Code: fmt.Sprintf("terminal_http_%d", sc)}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Decision{Retry: true, Delay: c.Policy.Delay(attempt), Code: CodeCircuitOpen}
	}

	if isNetworkError(err) {
		return Decision{Retry: true, Delay: c.Policy.Delay(attempt), Code: CodeTransientNetwork}
	}

	return Decision{Code: "terminal"}
}

// headerDelay extracts a provider cooldown from response headers. Retry-After
// takes priority; it is either delta seconds or an HTTP-date. Reset headers
// are either delta seconds or an epoch timestamp.
func (c Classifier) headerDelay(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			if secs < 0 {
				secs = 0
			}
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			d := time.Until(t)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}

	for _, name := range c.ResetHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		// Values this large are epoch seconds, not deltas.
		if secs > 1_000_000_000 {
			d := time.Until(time.Unix(secs, 0))
			if d < 0 {
				d = 0
			}
			return d, true
		}
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}

	return 0, false
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, // 408
		http.StatusTooEarly,           // 425
		http.StatusTooManyRequests,    // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	}
	return statusCode >= 500
}

func isNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		// Covers timeouts, *net.OpError, *net.DNSError, url.Error wrappers
		// and TLS handshake failures surfaced through the transport.
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
