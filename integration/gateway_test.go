package integration_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamgate/gateway/internal/auth"
	"github.com/streamgate/gateway/internal/breaker"
	"github.com/streamgate/gateway/internal/bulkhead"
	"github.com/streamgate/gateway/internal/clientid"
	"github.com/streamgate/gateway/internal/metrics"
	"github.com/streamgate/gateway/internal/proxy"
	"github.com/streamgate/gateway/internal/ratelimit"
	"github.com/streamgate/gateway/internal/retry"
	"github.com/streamgate/gateway/internal/route"
)

func newHandler(t *testing.T, routes []route.Config, runtimes map[string]*proxy.RouteRuntime, apiKey string) (*proxy.Handler, *breaker.Table) {
	t.Helper()

	tbl, err := route.New(routes)
	if err != nil {
		t.Fatal(err)
	}

	breakers := breaker.NewTable()
	for _, r := range routes {
		breakers.Add(r.Name, breaker.Config{
			Enabled:          r.BreakerFailureThreshold > 0,
			FailureThreshold: r.BreakerFailureThreshold,
			Cooldown:         r.BreakerCooldown,
		})
	}

	snapshots := metrics.NewRegistry()
	for _, r := range routes {
		snapshots.Add(r.Name)
	}

	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheus(reg)

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))

	return &proxy.Handler{
		Table:     tbl,
		Runtimes:  runtimes,
		Auth:      auth.New(apiKey),
		Limiter:   ratelimit.NewLimiter(0, 0),
		Breakers:  breakers,
		ClientIPs: clientid.Resolver{},
		Prom:      prom,
		Snapshots: snapshots,
		Log:       log,
	}, breakers
}

func TestGateway_AuthAndRateLimit(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)

	routes := []route.Config{
		{
			Name:              "orders",
			PathPrefix:        "/api/orders",
			Upstream:          upURL,
			AnonymousPrefixes: []string{"/api/orders/health"},
			RequestTimeout:    2 * time.Second,
			RequestsPerWindow: 3,
			Window:            time.Minute,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"orders": {
			Bulkhead:    bulkhead.New(0),
			RetryPolicy: retry.Policy{MaxRetries: 0},
			Transport:   http.DefaultTransport,
		},
	}

	h, _ := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	// Anonymous-allowed path requires no key.
	{
		resp, err := http.Get(gw.URL + "/api/orders/health")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on anonymous path, got %d", resp.StatusCode)
		}
	}

	// Protected path with no key => 401.
	{
		resp, err := http.Get(gw.URL + "/api/orders/42")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	}

	// Protected path with correct key => 200, within the window.
	client := &http.Client{}
	get := func() int {
		req, _ := http.NewRequest(http.MethodGet, gw.URL+"/api/orders/42", nil)
		req.Header.Set(auth.APIKeyHeader, "s3cr3t")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	var ok, limited int
	for i := 0; i < 6; i++ {
		switch get() {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	if ok != 3 {
		t.Fatalf("expected exactly 3 requests admitted within the window, got %d", ok)
	}
	if limited != 3 {
		t.Fatalf("expected exactly 3 requests rate-limited, got %d", limited)
	}
}

func TestGateway_BulkheadRejectsWhenFull(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []route.Config{
		{
			Name:              "conc",
			PathPrefix:        "/conc",
			Upstream:          upURL,
			AnonymousPrefixes: []string{"/conc"},
			RequestTimeout:    2 * time.Second,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"conc": {
			Bulkhead:    bulkhead.New(1),
			RetryPolicy: retry.Policy{MaxRetries: 0},
			Transport:   http.DefaultTransport,
		},
	}

	h, _ := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	const n = 10
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)
	var okCount, busyCount int32

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			<-start
			resp, err := client.Get(gw.URL + "/conc/hello")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				atomic.AddInt32(&okCount, 1)
			case http.StatusTooManyRequests:
				atomic.AddInt32(&busyCount, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if okCount == 0 {
		t.Fatalf("expected at least one 200, got ok=%d busy=%d", okCount, busyCount)
	}
	if busyCount == 0 {
		t.Fatalf("expected at least one 429 too_busy, got ok=%d busy=%d", okCount, busyCount)
	}
}

func TestGateway_CircuitBreaker_OpensHalfOpensCloses(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []route.Config{
		{
			Name:                    "cb",
			PathPrefix:              "/cb",
			Upstream:                upURL,
			AnonymousPrefixes:       []string{"/cb"},
			RequestTimeout:          2 * time.Second,
			BreakerFailureThreshold: 2,
			BreakerCooldown:         200 * time.Millisecond,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"cb": {
			Bulkhead:    bulkhead.New(0),
			RetryPolicy: retry.Policy{MaxRetries: 0},
			Transport:   http.DefaultTransport,
		},
	}

	h, breakers := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	client := &http.Client{Timeout: 2 * time.Second}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(gw.URL + "/cb/hello")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("attempt %d: expected 500, got %d", i, resp.StatusCode)
		}
	}

	resp, err := client.Get(gw.URL + "/cb/hello")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once open, got %d body=%s", resp.StatusCode, b)
	}
	if !strings.Contains(string(b), "circuit_open") {
		t.Fatalf("expected circuit_open body, got %s", b)
	}
	if breakers.Get("cb").Stats().State != breaker.Open {
		t.Fatal("expected breaker state open")
	}

	time.Sleep(250 * time.Millisecond)

	resp, err = client.Get(gw.URL + "/cb/hello")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on half-open probe success, got %d", resp.StatusCode)
	}
	if breakers.Get("cb").Stats().State != breaker.Closed {
		t.Fatal("expected breaker state closed after successful probe")
	}
}

func TestGateway_CorrelationID_PassesThroughWhenProvided(t *testing.T) {
	var seenByUpstream string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenByUpstream = r.Header.Get(proxy.CorrelationIDHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []route.Config{
		{
			Name:              "cid",
			PathPrefix:        "/cid",
			Upstream:          upURL,
			AnonymousPrefixes: []string{"/cid"},
			RequestTimeout:    2 * time.Second,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"cid": {
			Bulkhead:    bulkhead.New(0),
			RetryPolicy: retry.Policy{MaxRetries: 0},
			Transport:   http.DefaultTransport,
		},
	}

	h, _ := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/cid/hello", nil)
	req.Header.Set(proxy.CorrelationIDHeader, "caller-supplied-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(proxy.CorrelationIDHeader); got != "caller-supplied-id" {
		t.Fatalf("expected response to echo the caller-supplied id, got %q", got)
	}
	if seenByUpstream != "caller-supplied-id" {
		t.Fatalf("expected upstream to see the caller-supplied id, got %q", seenByUpstream)
	}
}

func TestGateway_CorrelationID_GeneratedWhenAbsent(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []route.Config{
		{
			Name:              "cid2",
			PathPrefix:        "/cid2",
			Upstream:          upURL,
			AnonymousPrefixes: []string{"/cid2"},
			RequestTimeout:    2 * time.Second,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"cid2": {
			Bulkhead:    bulkhead.New(0),
			RetryPolicy: retry.Policy{MaxRetries: 0},
			Transport:   http.DefaultTransport,
		},
	}

	h, _ := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/cid2/hello")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(proxy.CorrelationIDHeader); got == "" {
		t.Fatal("expected a generated correlation id when none was supplied")
	}
}

func TestGateway_RetriesIdempotentFailures(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer up.Close()

	upURL, _ := url.Parse(up.URL)
	routes := []route.Config{
		{
			Name:              "retryme",
			PathPrefix:        "/retry",
			Upstream:          upURL,
			AnonymousPrefixes: []string{"/retry"},
			RequestTimeout:    2 * time.Second,
		},
	}
	runtimes := map[string]*proxy.RouteRuntime{
		"retryme": {
			Bulkhead:    bulkhead.New(0),
			RetryPolicy: retry.Policy{MaxRetries: 2, BaseDelay: 0.01},
			Transport:   http.DefaultTransport,
		},
	}

	h, _ := newHandler(t, routes, runtimes, "s3cr3t")
	gw := httptest.NewServer(h)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/retry/hello")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the retried GET to eventually succeed, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 upstream calls, got %d", calls)
	}
}
