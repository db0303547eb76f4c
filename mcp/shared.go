// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file holds types shared by the session, endpoint and protocol layers.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Meta is the `_meta` object embedded in Params and Result values. It is
// reserved by the protocol for progressToken and trace-context propagation;
// handlers that need other out-of-band fields may still read Params.Meta.
type Meta map[string]any

func (m Meta) clone() Meta {
	if m == nil {
		return nil
	}
	cp := make(Meta, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

const progressTokenKey = "progressToken"

// GetMeta returns the `_meta` map of v, or nil if v carries none.
func GetMeta(v Params) Meta {
	return v.getMeta()
}

// SetMeta replaces the `_meta` map of v.
func SetMeta(v Params, m Meta) {
	v.setMeta(m)
}

func getProgressToken(v Params) any {
	m := v.getMeta()
	if m == nil {
		return nil
	}
	return m[progressTokenKey]
}

func setProgressToken(v Params, t any) {
	m := v.getMeta()
	if m == nil {
		m = make(Meta)
	}
	if t == nil {
		delete(m, progressTokenKey)
	} else {
		m[progressTokenKey] = t
	}
	v.setMeta(m)
}

// Params is implemented by every request/notification parameter type. It
// carries the protocol-reserved `_meta` object and, through it, the
// progress token.
type Params interface {
	getMeta() Meta
	setMeta(Meta)
	GetProgressToken() any
	SetProgressToken(any)
}

// metaField is embedded by every Params struct to satisfy getMeta/setMeta.
type metaField struct {
	Meta Meta `json:"_meta,omitempty"`
}

func (f *metaField) getMeta() Meta    { return f.Meta }
func (f *metaField) setMeta(m Meta)   { f.Meta = m }

// Result is implemented by every method's result type.
type Result interface {
	isResult()
}

// emptyResult is a Result with no payload, for handlers that have nothing to
// return.
type emptyResult struct{}

func (emptyResult) isResult() {}

// RawResult lets a method handler registered from outside this package (the
// §6 "method handlers" collaborator interface — tool/prompt/resource
// invocation semantics are deliberately not implemented here) reply with an
// arbitrary JSON value without this package knowing its shape.
type RawResult struct {
	Value json.RawMessage
}

func (RawResult) isResult() {}

// MarshalJSON emits Value verbatim, so a RawResult round-trips on the wire
// as the JSON value it wraps rather than as an object with a "Value" field.
func (r RawResult) MarshalJSON() ([]byte, error) {
	if r.Value == nil {
		return []byte("null"), nil
	}
	return r.Value, nil
}

// NewRawResult marshals v and wraps it as a RawResult.
func NewRawResult(v any) (*RawResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &RawResult{Value: data}, nil
}

// ProtocolError is a JSON-RPC error a handler chooses to surface to the
// peer verbatim. Any other error returned from a handler is translated to
// -32603 with a generic message, per the sensitive-information discipline.
type ProtocolError struct {
	Code    int64
	Message string
	Data    any
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp: protocol error %d: %s", e.Code, e.Message)
}

// NewProtocolError constructs a ProtocolError that, if returned by a request
// handler, is sent to the peer exactly as given.
func NewProtocolError(code int64, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// CancelledError is returned by SendRequest when its context is cancelled,
// and is the error a handler is expected to observe (and propagate) when
// its per-request cancellation fires.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "mcp: cancelled"
	}
	return "mcp: cancelled: " + e.Reason
}

// Role distinguishes which side of a session an Endpoint plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// TransportKind is recorded on a Session for telemetry only.
type TransportKind string

const (
	TransportStdio  TransportKind = "stdio"
	TransportStream TransportKind = "stream"
	TransportSSE    TransportKind = "sse"
	TransportHTTP   TransportKind = "http"
)

// RequestHandler handles one inbound JSON-RPC request. It returns a Result
// to reply with `{result}`, a *ProtocolError to reply with that exact wire
// error, or any other error to reply with a generic -32603.
type RequestHandler func(ctx context.Context, s *Session, params json.RawMessage) (Result, error)

// NotificationHandler observes one inbound JSON-RPC notification. Its
// return value is logged, never surfaced to the peer.
type NotificationHandler func(ctx context.Context, s *Session, params json.RawMessage) error
