// Package auth implements the gateway's single-shared-key authenticator:
// one fixed-time comparison against X-Api-Key, with a per-route
// anonymous-prefix allowlist.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

const APIKeyHeader = "X-Api-Key"

// Authenticator holds the one shared API key the gateway accepts.
type Authenticator struct {
	apiKey []byte
}

func New(apiKey string) Authenticator {
	return Authenticator{apiKey: []byte(apiKey)}
}

// Check compares the request's X-Api-Key header against the configured
// key in fixed time. It reports whether the key is present and valid.
func (a Authenticator) Check(r *http.Request) bool {
	supplied := r.Header.Get(APIKeyHeader)
	if supplied == "" {
		return false
	}
	return constantTimeEqual(supplied, a.apiKey)
}

// constantTimeEqual mirrors crypto/subtle.ConstantTimeCompare's
// contract exactly: unequal lengths short-circuit false (the length
// check itself is not timing-sensitive — the key's length is not a
// secret), equal-length inputs are compared in full regardless of
// where they first differ.
func constantTimeEqual(supplied string, want []byte) bool {
	if len(supplied) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), want) == 1
}

type ctxKey string

const clientIDKey ctxKey = "client_id"

// WithClientID attaches the resolved client identifier (API key value
// for authenticated callers, peer IP for anonymous ones) to the
// request context.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

func ClientID(ctx context.Context) string {
	v, _ := ctx.Value(clientIDKey).(string)
	return v
}
