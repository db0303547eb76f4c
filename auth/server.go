// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken is returned by a TokenVerifier when the presented bearer
// token is malformed, unsigned, or otherwise unacceptable.
var ErrInvalidToken = errors.New("invalid token")

// ErrOAuth is returned by a TokenVerifier when the verification itself
// failed for reasons unrelated to the token's validity (the authorization
// server was unreachable, returned malformed introspection data, and so
// on). It is reported to the caller as 400 Bad Request rather than 401, so
// a client can distinguish "try a different token" from "the server is
// having OAuth problems".
var ErrOAuth = errors.New("oauth error")

// TokenInfo is what a TokenVerifier reports about an accepted bearer token.
type TokenInfo struct {
	Expiration time.Time
	Scopes     []string
}

// TokenVerifier validates a bearer token extracted from an inbound request
// and reports what it authorizes. req is the request the token arrived on,
// for verifiers that need additional context (audience, method) beyond the
// token string itself.
type TokenVerifier func(ctx context.Context, token string, req *http.Request) (*TokenInfo, error)

// RequireBearerTokenOptions configures RequireBearerToken.
type RequireBearerTokenOptions struct {
	// Scopes lists the scopes a token must carry, all of them, to be
	// authorized. Empty means no scope is required.
	Scopes []string
	// ResourceMetadataURL, when set, is advertised in the WWW-Authenticate
	// challenge on a 401/403 response, per the MCP authorization spec's
	// protected-resource-metadata discovery flow.
	ResourceMetadataURL string
}

// verify extracts and validates the bearer token from req, returning the
// validated TokenInfo plus an empty message and zero code on success, or a
// nil TokenInfo plus the message and HTTP status to report on failure.
func verify(req *http.Request, verifier TokenVerifier, opts *RequireBearerTokenOptions) (*TokenInfo, string, int) {
	const prefix = "bearer "
	h := req.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return nil, "no bearer token", http.StatusUnauthorized
	}
	token := strings.TrimSpace(h[len(prefix):])

	info, err := verifier(req.Context(), token, req)
	switch {
	case errors.Is(err, ErrOAuth):
		return nil, "oauth error", http.StatusBadRequest
	case errors.Is(err, ErrInvalidToken), err != nil:
		return nil, "invalid token", http.StatusUnauthorized
	}

	if info.Expiration.IsZero() {
		return nil, "token missing expiration", http.StatusUnauthorized
	}
	if info.Expiration.Before(time.Now()) {
		return nil, "token expired", http.StatusUnauthorized
	}

	if opts != nil {
		for _, want := range opts.Scopes {
			if !containsScope(info.Scopes, want) {
				return nil, "insufficient scope", http.StatusForbidden
			}
		}
	}
	return info, "", 0
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// RequireBearerToken returns HTTP middleware that validates every inbound
// request's bearer token with verifier before invoking the wrapped handler.
// A missing, invalid, or insufficiently-scoped token is rejected with 401 or
// 403, carrying a WWW-Authenticate challenge when opts.ResourceMetadataURL
// is set; a verifier reporting ErrOAuth yields 400 with no challenge. See
// https://modelcontextprotocol.io/specification/2025-06-18/basic/authorization.
func RequireBearerToken(verifier TokenVerifier, opts *RequireBearerTokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, msg, code := verify(r, verifier, opts)
			if code != 0 {
				if (code == http.StatusUnauthorized || code == http.StatusForbidden) && opts != nil && opts.ResourceMetadataURL != "" {
					w.Header().Set("WWW-Authenticate", "Bearer resource_metadata="+opts.ResourceMetadataURL)
				}
				http.Error(w, msg, code)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
