// Package proxy implements the gateway's streaming reverse proxy: one
// orchestrating handler that matches a route, admits the request
// through authentication/rate-limiting/bulkhead/breaker, retries
// idempotent failures with backoff, and streams the final response
// back without buffering the body.
//
// The admission and retry logic lives in one handler rather than a
// chain of independent http.Handler wrappers around
// httputil.ReverseProxy: a retry loop needs a fresh request and
// deadline per attempt, and breaker feedback must observe the outcome
// of that specific last attempt, which independent middleware can't
// express. See DESIGN.md.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate/gateway/internal/auth"
	"github.com/streamgate/gateway/internal/breaker"
	"github.com/streamgate/gateway/internal/bulkhead"
	"github.com/streamgate/gateway/internal/clientid"
	"github.com/streamgate/gateway/internal/metrics"
	"github.com/streamgate/gateway/internal/ratelimit"
	"github.com/streamgate/gateway/internal/retry"
	"github.com/streamgate/gateway/internal/route"
)

// hopByHop are stripped before forwarding, per RFC 7230, plus Host
// (buildUpstreamRequest sets the upstream's own).
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

const (
	CorrelationIDHeader = "X-Correlation-Id"
)

// RouteRuntime bundles the per-route components the handler admits a
// request through. One exists per route in the table.
type RouteRuntime struct {
	Bulkhead    *bulkhead.Semaphore
	RetryPolicy retry.Policy
	Transport   http.RoundTripper
}

// Handler is the gateway's single catch-all entry point.
type Handler struct {
	Table      *route.Table
	Runtimes   map[string]*RouteRuntime
	Auth       auth.Authenticator
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Table
	ClientIPs  clientid.Resolver
	Prom       *metrics.Prometheus
	Snapshots  *metrics.Registry
	Log        *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg, remainder, ok := h.Table.Match(r.URL.Path)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found")
		return
	}
	rt := h.Runtimes[cfg.Name]

	correlationID := strings.TrimSpace(r.Header.Get(CorrelationIDHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	r.Header.Set(CorrelationIDHeader, correlationID)
	w.Header().Set(CorrelationIDHeader, correlationID)

	anonymous := cfg.IsAnonymous(r.URL.Path)
	authenticated := false
	if !anonymous {
		if !h.Auth.Check(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		authenticated = true
	}
	apiKey := r.Header.Get(auth.APIKeyHeader)
	r.Header.Del(auth.APIKeyHeader)

	clientKey := clientid.Resolve(h.ClientIPs, r, authenticated, apiKey)

	if cfg.RequestsPerWindow > 0 {
		decision := h.Limiter.Allow(cfg.PathPrefix+":"+clientKey, cfg.RequestsPerWindow, cfg.Window, time.Now())
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	br := h.Breakers.Get(cfg.Name)
	var isProbe bool
	if br != nil {
		allowed, probe := br.Allow(time.Now())
		if !allowed {
			writeJSONError(w, http.StatusServiceUnavailable, "circuit_open")
			return
		}
		isProbe = probe
	}

	// A bulkhead rejection never reaches the upstream, so it carries no
	// success/failure signal for the breaker — but if this request was
	// granted the HalfOpen probe slot, that slot still has to be freed
	// or the route stays wedged open forever.
	if rt.Bulkhead != nil && !rt.Bulkhead.TryAcquire() {
		if br != nil && isProbe {
			br.Abandon()
		}
		writeJSONError(w, http.StatusTooManyRequests, "too_busy")
		return
	}
	defer func() {
		if rt.Bulkhead != nil {
			rt.Bulkhead.Release()
		}
	}()

	start := time.Now()
	status, success, clientGone := h.forward(w, r, cfg, remainder, rt, correlationID)
	duration := time.Since(start)

	if clientGone {
		// The caller is already gone: nothing was written, and the
		// outcome says nothing about upstream health, so the breaker
		// records no outcome and the metrics don't see it. A HalfOpen
		// probe slot held by this request is released for the next one.
		if br != nil && isProbe {
			br.Abandon()
		}
		return
	}

	if br != nil {
		br.Done(success, isProbe, time.Now())
	}

	if h.Prom != nil {
		h.Prom.Observe(cfg.Name, r.Method, status, duration)
	}
	if h.Snapshots != nil {
		if entry := h.Snapshots.Get(cfg.Name); entry != nil {
			entry.Record(status, duration)
		}
	}

	if h.Log != nil {
		h.Log.Info("proxied_request",
			slog.String("correlation_id", correlationID),
			slog.String("route", cfg.Name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("duration", duration.String()),
		)
	}
}

// forward runs the retry loop for one request and streams the final
// attempt's response back to the client. It returns the status
// written, whether the outcome counts as a breaker success, and
// whether the client disconnected before any response could be
// written — in which case status and success are meaningless.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, cfg route.Config, remainder string, rt *RouteRuntime, correlationID string) (status int, success bool, clientGone bool) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err == nil {
			body = b
		}
	}

	attempts := rt.RetryPolicy.Attempts(r.Method)

	var lastErr error
	var lastResp *http.Response
	var lastCancel context.CancelFunc

	for attempt := 1; attempt <= attempts; attempt++ {
		if lastResp != nil {
			lastResp.Body.Close()
			lastResp = nil
		}

		attemptCtx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
		upReq, err := h.buildUpstreamRequest(attemptCtx, r, cfg, remainder, body, correlationID)
		if err != nil {
			cancel()
			if r.Context().Err() != nil {
				return 0, false, true
			}
			writeJSONError(w, http.StatusBadGateway, "bad_gateway")
			return http.StatusBadGateway, false, false
		}

		resp, err := rt.Transport.RoundTrip(upReq)
		if err != nil {
			cancel()
			lastErr = err
			if r.Context().Err() != nil {
				// The client is gone, not just this attempt's deadline —
				// no point retrying, and there is nothing left to report.
				return 0, false, true
			}
			if attempt < attempts && retry.IsRetryableFailure(0, err) {
				if !sleepBackoff(r.Context(), rt.RetryPolicy.Backoff(attempt)) {
					if r.Context().Err() != nil {
						return 0, false, true
					}
					break
				}
				continue
			}
			break
		}

		if attempt < attempts && retry.IsRetryableFailure(resp.StatusCode, nil) {
			resp.Body.Close()
			cancel()
			lastErr = nil
			if !sleepBackoff(r.Context(), rt.RetryPolicy.Backoff(attempt)) {
				if r.Context().Err() != nil {
					return 0, false, true
				}
				break
			}
			continue
		}

		lastResp = resp
		lastErr = nil
		// The attempt context also governs reading the response body, so
		// it stays live until the body has been copied to the client.
		lastCancel = cancel
		break
	}

	if lastResp == nil {
		if r.Context().Err() != nil {
			return 0, false, true
		}
		status := http.StatusBadGateway
		if lastErr != nil && isTimeoutErr(lastErr) {
			status = http.StatusGatewayTimeout
		}
		writeJSONError(w, status, "upstream_unavailable")
		return status, false, false
	}
	defer lastResp.Body.Close()
	defer lastCancel()

	for _, hdr := range hopByHop {
		lastResp.Header.Del(hdr)
	}
	copyHeader(w.Header(), lastResp.Header)
	w.WriteHeader(lastResp.StatusCode)
	_, _ = io.Copy(w, lastResp.Body)

	return lastResp.StatusCode, lastResp.StatusCode < 500, false
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, cfg route.Config, remainder string, body []byte, correlationID string) (*http.Request, error) {
	target := *cfg.Upstream
	target.Path = strings.TrimRight(cfg.Upstream.Path, "/") + remainder
	target.RawQuery = r.URL.RawQuery

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	copyHeader(upReq.Header, r.Header)
	for _, hh := range hopByHop {
		upReq.Header.Del(hh)
	}
	upReq.Header.Set(CorrelationIDHeader, correlationID)
	upReq.Host = cfg.Upstream.Host
	return upReq, nil
}

func sleepBackoff(ctx context.Context, seconds float64) bool {
	if seconds <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
