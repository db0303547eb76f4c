// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc exposes the JSON-RPC 2.0 message types used by custom
// Transport implementations. It is a thin, stable facade over
// internal/jsonrpc2, whose codec and framing details may change without
// notice.
package jsonrpc

import (
	"encoding/json"

	"github.com/mcprt/runtime/internal/jsonrpc2"
)

// Re-exported message types. Keeping these as aliases (rather than wrapper
// types) lets a Transport built against this package hand messages directly
// to the session without copying.
type (
	Message      = jsonrpc2.Message
	ID           = jsonrpc2.ID
	Request      = jsonrpc2.Request
	Notification = jsonrpc2.Notification
	Response     = jsonrpc2.Response
	WireError    = jsonrpc2.WireError
)

// Error codes reused on the wire; see jsonrpc2 for the canonical values.
const (
	CodeParseError      = jsonrpc2.CodeParseError
	CodeInvalidRequest  = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound  = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams   = jsonrpc2.CodeInvalidParams
	CodeInternalError   = jsonrpc2.CodeInternalError
	CodeServerError     = jsonrpc2.CodeServerError
	CodeSessionNotFound = jsonrpc2.CodeSessionNotFound
)

// ErrNotHandled is returned by a handler that declines to process a method.
var ErrNotHandled = jsonrpc2.ErrNotHandled

func Int64ID(i int64) ID    { return jsonrpc2.Int64ID(i) }
func StringID(s string) ID  { return jsonrpc2.StringID(s) }

// EncodeMessage serializes a single JSON-RPC message.
func EncodeMessage(m Message) ([]byte, error) { return jsonrpc2.EncodeMessage(m) }

// DecodeMessage parses a single JSON-RPC message.
func DecodeMessage(data []byte) (Message, error) { return jsonrpc2.DecodeMessage(data) }

// DecodeBatch parses either a JSON-RPC batch (a JSON array) or a lone
// message, returning one entry per message in wire order.
func DecodeBatch(data []byte) ([]Message, error) { return jsonrpc2.DecodeBatch(data) }

// Meta is the `_meta` object carried inside Request/Notification params. It
// is how progress tokens and W3C trace context cross the wire without the
// session exposing them to ordinary handler code unless requested.
type Meta struct {
	ProgressToken any    `json:"progressToken,omitempty"`
	Traceparent   string `json:"traceparent,omitempty"`
	Tracestate    string `json:"tracestate,omitempty"`
}

// ParamsWithMeta unmarshals the `_meta` object out of a request or
// notification's raw params, if present, and returns it. params itself is
// not modified (handlers may still re-parse params with their own schema,
// `_meta` and all).
func ParamsWithMeta(params json.RawMessage) (Meta, error) {
	if len(params) == 0 {
		return Meta{}, nil
	}
	var wrapper struct {
		Meta *Meta `json:"_meta"`
	}
	if err := json.Unmarshal(params, &wrapper); err != nil {
		return Meta{}, err
	}
	if wrapper.Meta == nil {
		return Meta{}, nil
	}
	return *wrapper.Meta, nil
}

// SetMeta returns params with its `_meta` object set to meta, preserving all
// other top-level fields. If params is empty, the result is just `{"_meta":…}`.
func SetMeta(params json.RawMessage, meta Meta) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, err
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaBytes
	return json.Marshal(obj)
}
