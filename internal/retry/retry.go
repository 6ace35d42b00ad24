// Package retry implements the gateway's retry policy: which failures
// are retryable, which methods are safe to retry, and the
// multiplicative-jitter backoff between attempts.
package retry

import (
	"math"
	"math/rand"
	"net/http"
)

// safeMethods are the only methods ever retried — retrying a POST
// could duplicate a side effect on the upstream.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// IsSafeMethod reports whether method is eligible for retry at all.
func IsSafeMethod(method string) bool {
	return safeMethods[method]
}

// IsRetryableFailure reports whether an attempt's outcome should be
// retried: a transport-level error (err != nil, no response at all)
// or an upstream response with status >= 500.
func IsRetryableFailure(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= 500
}

// Policy holds one route's retry parameters.
type Policy struct {
	MaxRetries int
	BaseDelay  float64 // seconds
}

// Attempts returns the maximum number of attempts (the original try
// plus retries) for a request with the given method. Non-safe methods
// never retry, regardless of MaxRetries.
func (p Policy) Attempts(method string) int {
	if !IsSafeMethod(method) {
		return 1
	}
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the delay, in seconds, before attempt n+1 given that
// attempt n (1-indexed) just failed: baseDelay * 2^(n-1) * (1+U),
// U ~ Uniform[0, 0.5). The jitter is one-sided and multiplicative, not
// cenkalti/backoff's symmetric randomization-factor model — see
// DESIGN.md for why that library wasn't a fit here.
func (p Policy) Backoff(n int) float64 {
	if n < 1 {
		n = 1
	}
	u := rand.Float64() * 0.5
	return p.BaseDelay * math.Pow(2, float64(n-1)) * (1 + u)
}
