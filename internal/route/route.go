// Package route holds the gateway's route table: an immutable,
// longest-prefix-match lookup from request path to route configuration.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrNoRoutes is returned by New when the table would be empty.
var ErrNoRoutes = errors.New("route: no routes configured")

// Config is the per-route settings a request matching this route is
// subject to. Populated from the topology file plus the route's
// environment overlay (see internal/config).
type Config struct {
	Name       string
	PathPrefix string
	Upstream   *url.URL

	AnonymousPrefixes []string

	RequestTimeout time.Duration

	RequestsPerWindow int
	Window            time.Duration

	MaxConcurrentRequests int

	MaxRetries int
	RetryDelay time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
}

// Table is the immutable, longest-prefix-first route list built at
// startup.
type Table struct {
	routes []Config
}

// New builds a route table. Routes are sorted by descending prefix
// length so matching always tries the most specific prefix first.
// Duplicate prefixes (case-insensitively) are rejected.
func New(configs []Config) (*Table, error) {
	if len(configs) == 0 {
		return nil, ErrNoRoutes
	}

	seen := map[string]struct{}{}
	out := make([]Config, len(configs))
	copy(out, configs)

	for _, c := range out {
		key := strings.ToLower(c.PathPrefix)
		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("route: duplicate path_prefix %q", c.PathPrefix)
		}
		seen[key] = struct{}{}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].PathPrefix) > len(out[j].PathPrefix)
	})

	return &Table{routes: out}, nil
}

// Match returns the most specific route whose prefix is a prefix of
// path, case-insensitively, along with the path remainder after the
// prefix is stripped (always beginning with "/"). ok is false when no
// route matches.
func (t *Table) Match(path string) (cfg Config, remainder string, ok bool) {
	lowered := strings.ToLower(path)
	for _, r := range t.routes {
		prefix := strings.ToLower(r.PathPrefix)
		if !strings.HasPrefix(lowered, prefix) {
			continue
		}
		rest := path[len(r.PathPrefix):]
		if rest == "" {
			rest = "/"
		} else if !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		return r, rest, true
	}
	return Config{}, "", false
}

// IsAnonymous reports whether path is covered by one of cfg's
// anonymous-access prefixes (again case-insensitive, plain prefix
// match — these are small, operator-curated lists, not routes).
func (c Config) IsAnonymous(path string) bool {
	lowered := strings.ToLower(path)
	for _, p := range c.AnonymousPrefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(lowered, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
