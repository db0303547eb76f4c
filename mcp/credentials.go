// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the default "Credential extractor" collaborator
// (§6): it reads the current authenticated principal from an inbound HTTP
// request and emits the userIdClaim triple, or nil for an anonymous
// request.

package mcp

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTCredentialExtractor implements StreamableHTTPHandler's
// AuthenticatedUserIDClaim by validating a bearer token from the
// Authorization header against Keyfunc, and mapping its "sub"/"iss" claims
// to a UserIDClaim. A request with no Authorization header, or one that
// fails validation, is treated as anonymous — it is the caller's
// responsibility to reject anonymous requests upstream if that is undesired.
type JWTCredentialExtractor struct {
	// Keyfunc resolves the verification key for a token, as required by
	// jwt.ParseWithClaims.
	Keyfunc jwt.Keyfunc
	// Type is the UserIDClaim.Type value reported for every extracted
	// claim. Defaults to "jwt" if empty.
	Type string
}

// Extract is a credential extractor suitable for
// StreamableHTTPHandler.AuthenticatedUserIDClaim.
func (x *JWTCredentialExtractor) Extract(r *http.Request) *UserIDClaim {
	tok := bearerToken(r)
	if tok == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, x.Keyfunc)
	if err != nil {
		return nil
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil
	}
	iss, _ := claims["iss"].(string)
	typ := x.Type
	if typ == "" {
		typ = "jwt"
	}
	return &UserIDClaim{Type: typ, Value: sub, Issuer: iss}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
