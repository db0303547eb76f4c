// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements C7: stateless mode, in which the session id handed
// to the client is an AEAD-encrypted envelope carrying the client identity
// needed to reconstruct a transient session on every request, rather than a
// pointer into server-held state.

package mcp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	internaljson "github.com/mcprt/runtime/internal/json"
)

// SecretProtector is the collaborator interface stateless mode uses to seal
// and open the session envelope (§6). protect/unprotect must be an
// authenticated encryption scheme: tampering must surface as an error from
// Unprotect, never as a silently-corrupted plaintext.
type SecretProtector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(ciphertext []byte) ([]byte, error)
}

// aesGCMProtector implements SecretProtector with AES-256-GCM, the AEAD
// construction used throughout this runtime wherever symmetric encryption
// is needed.
type aesGCMProtector struct {
	aead cipher.AEAD
}

// NewAESGCMProtector returns a SecretProtector backed by AES-256-GCM under
// the given 32-byte key.
func NewAESGCMProtector(key []byte) (SecretProtector, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("mcp: stateless key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mcp: stateless aead: %w", err)
	}
	return &aesGCMProtector{aead: gcm}, nil
}

func (p *aesGCMProtector) Protect(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return p.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *aesGCMProtector) Unprotect(ciphertext []byte) ([]byte, error) {
	ns := p.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("mcp: stateless envelope too short")
	}
	nonce, body := ciphertext[:ns], ciphertext[ns:]
	return p.aead.Open(nil, nonce, body, nil)
}

// statelessEnvelope is the plaintext sealed inside a stateless session id:
// just enough to reconstruct the per-request session and to re-check
// authorization stickiness on every subsequent call.
type statelessEnvelope struct {
	ClientInfo  *Implementation `json:"clientInfo,omitempty"`
	UserIDClaim *UserIDClaim    `json:"userIdClaim,omitempty"`
}

// encodeStatelessID seals env and returns it as the URL-safe base64 text
// carried in the Mcp-Session-Id header.
func encodeStatelessID(p SecretProtector, env statelessEnvelope) (string, error) {
	data, err := internaljson.Marshal(env)
	if err != nil {
		return "", err
	}
	sealed, err := p.Protect(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// decodeStatelessID reverses encodeStatelessID. Any failure — malformed
// base64, AEAD authentication failure, malformed JSON — is reported as
// ErrSessionNotFound, per §4.7's "tampering must map to 404 / -32001".
func decodeStatelessID(p SecretProtector, id string) (statelessEnvelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return statelessEnvelope{}, ErrSessionNotFound
	}
	data, err := p.Unprotect(raw)
	if err != nil {
		return statelessEnvelope{}, ErrSessionNotFound
	}
	var env statelessEnvelope
	if err := internaljson.Unmarshal(data, &env); err != nil {
		return statelessEnvelope{}, ErrSessionNotFound
	}
	return env, nil
}
