// Package config loads the gateway's two-layer configuration: a YAML
// topology file naming the routes that exist, and a per-route
// environment-variable overlay supplying everything that actually
// varies per deploy (timeouts, limits, thresholds, the shared key).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamgate/gateway/internal/route"
)

// Topology is the on-disk route list: just names and prefixes. Every
// other per-route setting comes from the environment.
type Topology struct {
	Routes []TopologyRoute `yaml:"routes"`
}

type TopologyRoute struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"path_prefix"`
}

// Global holds the settings that apply to the whole gateway process,
// not to any one route.
type Global struct {
	Addr           string
	AdminKey       string
	APIKey         string
	MaxBodyBytes   int64
	TrustedProxies []string
}

// LoadTopology reads and parses the YAML topology file at path.
func LoadTopology(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("config: parse topology: %w", err)
	}
	if len(t.Routes) == 0 {
		return nil, fmt.Errorf("config: topology has no routes")
	}
	return &t, nil
}

// LoadGlobal reads the process-wide settings from the environment.
func LoadGlobal() Global {
	g := Global{
		Addr:         envOr("GATEWAY_ADDR", ":8080"),
		AdminKey:     os.Getenv("GATEWAY_ADMIN_KEY"),
		APIKey:       os.Getenv("GATEWAY_API_KEY"),
		MaxBodyBytes: envInt64Or("GATEWAY_MAX_BODY_BYTES", 1<<20),
	}
	if tp := os.Getenv("GATEWAY_TRUSTED_PROXIES"); tp != "" {
		g.TrustedProxies = splitAndTrim(tp)
	}
	return g
}

// LoadRoutes merges the topology with each route's environment
// overlay into the route.Config list the gateway actually runs with.
// A missing required variable is a startup error naming the route.
func LoadRoutes(t *Topology) ([]route.Config, error) {
	out := make([]route.Config, 0, len(t.Routes))
	for _, tr := range t.Routes {
		name := strings.TrimSpace(tr.Name)
		if name == "" {
			return nil, fmt.Errorf("config: topology route missing name")
		}
		prefix := strings.TrimSpace(tr.PathPrefix)
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("config: route %q: path_prefix must start with '/'", name)
		}

		prefixEnv := "ROUTE_" + envSafe(name) + "_"

		upstreamRaw, err := requireEnv(prefixEnv + "UPSTREAM_BASE_URL")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		upstreamURL, err := parseURL(upstreamRaw)
		if err != nil {
			return nil, fmt.Errorf("config: route %q: invalid upstream url: %w", name, err)
		}

		timeoutMS, err := requireEnvInt(prefixEnv + "TIMEOUT_MS")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		requestsPerWindow, err := requireEnvInt(prefixEnv + "REQUESTS_PER_WINDOW")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		windowMS, err := requireEnvInt(prefixEnv + "WINDOW_MS")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		maxConcurrent, err := requireEnvInt(prefixEnv + "MAX_CONCURRENT_REQUESTS")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		maxRetries, err := requireEnvInt(prefixEnv + "MAX_RETRIES")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		retryDelayMS, err := requireEnvInt(prefixEnv + "RETRY_DELAY_MS")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		breakerThreshold, err := requireEnvInt(prefixEnv + "CIRCUIT_BREAKER_THRESHOLD")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}
		breakerCooldownMS, err := requireEnvInt(prefixEnv + "CIRCUIT_BREAKER_COOLDOWN_MS")
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", name, err)
		}

		anonymous := []string{"/health"}
		if extra := os.Getenv(prefixEnv + "ANONYMOUS_PREFIXES"); extra != "" {
			anonymous = append(anonymous, splitAndTrim(extra)...)
		}

		out = append(out, route.Config{
			Name:                    name,
			PathPrefix:              prefix,
			Upstream:                upstreamURL,
			AnonymousPrefixes:       anonymous,
			RequestTimeout:          time.Duration(timeoutMS) * time.Millisecond,
			RequestsPerWindow:       requestsPerWindow,
			Window:                  time.Duration(windowMS) * time.Millisecond,
			MaxConcurrentRequests:   maxConcurrent,
			MaxRetries:              maxRetries,
			RetryDelay:              time.Duration(retryDelayMS) * time.Millisecond,
			BreakerFailureThreshold: breakerThreshold,
			BreakerCooldown:         time.Duration(breakerCooldownMS) * time.Millisecond,
		})
	}
	return out, nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url must be absolute (scheme://host), got %q", raw)
	}
	return u, nil
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing required environment variable %s", key)
	}
	return v, nil
}

func requireEnvInt(key string) (int, error) {
	v, err := requireEnv(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return n, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64Or(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envSafe turns a route name into the upper-snake-case fragment used
// in its environment variable prefix.
func envSafe(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
