// Package clientid derives the identifier a request is tracked under:
// the API key value for authenticated callers, the resolved peer IP
// (or "unknown") for anonymous ones.
package clientid

import (
	"net"
	"net/http"
	"strings"

	"github.com/streamgate/gateway/internal/netx"
)

// Resolver extracts a client's IP, trusting X-Forwarded-For / X-Real-Ip
// only when the immediate peer is in the configured trusted set.
type Resolver struct {
	Trusted *netx.CIDRSet
}

func (r Resolver) ClientIP(req *http.Request) string {
	remoteIP := remoteIPOf(req.RemoteAddr)

	if r.Trusted != nil && remoteIP != nil && r.Trusted.Contains(remoteIP) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(req.Header.Get("X-Real-Ip")); xrip != "" {
			return xrip
		}
	}

	if remoteIP != nil {
		return remoteIP.String()
	}
	return "unknown"
}

func remoteIPOf(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

// Resolve returns the key a request is rate-limited/logged under:
// apiKey when authenticated is true and non-empty, otherwise the
// resolved client IP.
func Resolve(r Resolver, req *http.Request, authenticated bool, apiKey string) string {
	if authenticated && apiKey != "" {
		return apiKey
	}
	return r.ClientIP(req)
}
