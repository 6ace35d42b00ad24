package mw

import (
	"context"
	"net/http"
	"time"

	"github.com/streamgate/gateway/internal/httpx"
	"github.com/streamgate/gateway/internal/metrics"
)

type routeKeyType string

const routeKey routeKeyType = "route"

func WithRoute(next http.Handler, routeName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(context.WithValue(r.Context(), routeKey, routeName))
		next.ServeHTTP(w, r)
	})
}

func RouteName(ctx context.Context) string {
	if v, ok := ctx.Value(routeKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// Instrument wraps the gateway's admin/status surface in the same
// Prometheus counters the core proxy path feeds directly — admin
// traffic is low-volume enough that a middleware wrapper here is the
// right shape, unlike the catch-all handler's retry-aware pipeline.
func Instrument(m *metrics.Prometheus, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		route := RouteName(r.Context())
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Observe(route, r.Method, code, time.Since(start))
	})
}
