package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate/gateway/internal/auth"
	"github.com/streamgate/gateway/internal/breaker"
	"github.com/streamgate/gateway/internal/bulkhead"
	"github.com/streamgate/gateway/internal/clientid"
	"github.com/streamgate/gateway/internal/config"
	"github.com/streamgate/gateway/internal/logging"
	"github.com/streamgate/gateway/internal/metrics"
	"github.com/streamgate/gateway/internal/mw"
	"github.com/streamgate/gateway/internal/netx"
	"github.com/streamgate/gateway/internal/proxy"
	"github.com/streamgate/gateway/internal/ratelimit"
	"github.com/streamgate/gateway/internal/retry"
	"github.com/streamgate/gateway/internal/route"
)

func main() {
	var topologyPath string
	var validateOnly bool
	flag.StringVar(&topologyPath, "config", "./config/routes.example.yaml", "path to yaml route topology")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	topo, err := config.LoadTopology(topologyPath)
	if err != nil {
		log.Error("failed to load topology", slog.String("error", err.Error()))
		os.Exit(1)
	}

	routeConfigs, err := config.LoadRoutes(topo)
	if err != nil {
		log.Error("failed to load route config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	global := config.LoadGlobal()
	if global.APIKey == "" {
		log.Error("GATEWAY_API_KEY is required")
		os.Exit(1)
	}

	if validateOnly {
		log.Info("config ok", slog.Int("routes", len(routeConfigs)))
		return
	}

	table, err := route.New(routeConfigs)
	if err != nil {
		log.Error("failed to build route table", slog.String("error", err.Error()))
		os.Exit(1)
	}

	authenticator := auth.New(global.APIKey)

	limiter := ratelimit.NewLimiter(10*time.Minute, time.Minute)
	defer limiter.Close()

	breakers := breaker.NewTable()
	snapshots := metrics.NewRegistry()
	runtimes := map[string]*proxy.RouteRuntime{}

	for _, rc := range routeConfigs {
		breakers.Add(rc.Name, breaker.Config{
			Enabled:          rc.BreakerFailureThreshold > 0,
			FailureThreshold: rc.BreakerFailureThreshold,
			Cooldown:         rc.BreakerCooldown,
		})
		snapshots.Add(rc.Name)

		transport := proxy.NewTransport(proxy.TransportConfig{
			DialTimeout:           3 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: rc.RequestTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
		})

		runtimes[rc.Name] = &proxy.RouteRuntime{
			Bulkhead: bulkhead.New(rc.MaxConcurrentRequests),
			RetryPolicy: retry.Policy{
				MaxRetries: rc.MaxRetries,
				BaseDelay:  rc.RetryDelay.Seconds(),
			},
			Transport: transport,
		}
	}

	trusted, err := netx.ParseCIDRSet(global.TrustedProxies)
	if err != nil {
		log.Error("invalid GATEWAY_TRUSTED_PROXIES", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	prom := metrics.NewPrometheus(reg)

	handler := &proxy.Handler{
		Table:     table,
		Runtimes:  runtimes,
		Auth:      authenticator,
		Limiter:   limiter,
		Breakers:  breakers,
		ClientIPs: clientid.Resolver{Trusted: trusted},
		Prom:      prom,
		Snapshots: snapshots,
		Log:       log,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	startedAt := time.Now()

	wrapAdmin := func(routeName string, h http.Handler) http.Handler {
		h = mw.RequireAdminKey(global.AdminKey, h)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(prom, h)
		h = mw.WithRoute(h, routeName)
		h = mw.RequestID(h)
		return h
	}

	gatewayStatus := func(w http.ResponseWriter, _ *http.Request) {
		info, _ := debug.ReadBuildInfo()
		goVer := ""
		if info != nil {
			goVer = info.GoVersion
		}

		type routeStatus struct {
			CircuitBreaker    breaker.Stats    `json:"circuit_breaker"`
			BulkheadAvailable int              `json:"bulkhead_available"`
			BulkheadMax       int              `json:"bulkhead_max"`
			Metrics           metrics.Snapshot `json:"metrics"`
		}

		routesOut := map[string]routeStatus{}
		for _, rc := range routeConfigs {
			rt := runtimes[rc.Name]
			available := 0
			if rt.Bulkhead.Enabled() {
				available = rt.Bulkhead.Cap() - rt.Bulkhead.InUse()
			}
			routesOut[rc.Name] = routeStatus{
				CircuitBreaker:    breakers.Get(rc.Name).Stats(),
				BulkheadAvailable: available,
				BulkheadMax:       rt.Bulkhead.Cap(),
				Metrics:           snapshots.Get(rc.Name).Snapshot(),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"time_utc":       time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds": int(time.Since(startedAt).Seconds()),
			"go_version":     goVer,
			"routes":         routesOut,
		})
	}

	// The spec-mandated snapshot: registered before the catch-all, open
	// to any caller, no auth and no admission pipeline.
	mux.HandleFunc("/gateway/status", gatewayStatus)

	// Admin surface: same data plus the route table, gated behind
	// GATEWAY_ADMIN_KEY so it isn't discoverable without one.
	mux.Handle("/-/status", wrapAdmin("admin_status", http.HandlerFunc(gatewayStatus)))

	mux.Handle("/-/routes", wrapAdmin("admin_routes", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		type outRoute struct {
			Name       string `json:"name"`
			PathPrefix string `json:"path_prefix"`
			Upstream   string `json:"upstream"`
		}
		out := make([]outRoute, 0, len(routeConfigs))
		for _, rc := range routeConfigs {
			out = append(out, outRoute{Name: rc.Name, PathPrefix: rc.PathPrefix, Upstream: rc.Upstream.String()})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})))

	var catchAll http.Handler = handler
	if global.MaxBodyBytes > 0 {
		catchAll = mw.MaxBodyBytes(global.MaxBodyBytes, catchAll)
	}
	catchAll = mw.Recover(catchAll)
	mux.Handle("/", catchAll)

	srv := &http.Server{
		Addr:              global.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("gateway listening", slog.String("addr", global.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("shutdown complete")
}
