// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire-level JSON-RPC 2.0 message model:
// the tagged union of request, notification, response and error messages,
// request ids, standard error codes, and encode/decode of the wire envelope.
package jsonrpc2

import (
	"encoding/json"
	"errors"
	"fmt"

	internaljson "github.com/mcprt/runtime/internal/json"
)

// Standard and MCP-specific JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
	CodeSessionNotFound = -32001
)

// ErrNotHandled is returned by a handler to indicate that it does not
// recognize the method, distinct from any application-level failure.
var ErrNotHandled = errors.New("jsonrpc2: method not handled")

// ID is a JSON-RPC request identifier: either a non-empty string or an
// integer. The zero ID is invalid; use Int64ID or StringID to construct one.
type ID struct {
	value any // nil, int64, or string
}

// Int64ID returns an integer request ID.
func Int64ID(i int64) ID { return ID{value: i} }

// StringID returns a string request ID.
func StringID(s string) ID { return ID{value: s} }

// IsValid reports whether the ID was explicitly constructed (as opposed to
// the zero value, which denotes "no id" on a notification).
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying int64 or string value, or nil if unset.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case string:
		return v
	default:
		return "<invalid>"
	}
}

// MarshalJSON implements json.Marshaler. An unset ID marshals to null, which
// should never occur on the wire for requests (notifications omit id
// entirely by not embedding ID).
func (id ID) MarshalJSON() ([]byte, error) {
	switch v := id.value.(type) {
	case int64:
		return internaljson.Marshal(v)
	case string:
		return internaljson.Marshal(v)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Per the data model, numbers may
// also arrive as strings; both are accepted and preserved by type.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	var n int64
	if err := internaljson.Unmarshal(data, &n); err == nil {
		id.value = n
		return nil
	}
	var s string
	if err := internaljson.Unmarshal(data, &s); err == nil {
		id.value = s
		return nil
	}
	return fmt.Errorf("jsonrpc2: id must be a string or integer, got %s", data)
}

// Equal reports type-exact equality: the string "42" is not equal to the
// integer 42.
func (id ID) Equal(other ID) bool {
	return id.value == other.value
}

// WireError is the `error` member of a JSON-RPC error response.
type WireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// Message is the tagged union of the four JSON-RPC message variants.
type Message interface {
	isJSONRPCMessage()
}

// Request is an outbound or inbound call expecting a Response.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isJSONRPCMessage() {}

// IsCall reports whether r is a well-formed call (as opposed to a
// notification, which is represented by Request with an unset ID).
func (r *Request) IsCall() bool { return r.ID.IsValid() }

// Notification is a one-way message carrying no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Notification) isJSONRPCMessage() {}

// Response carries either a Result or an Error, never both, for a given ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func (*Response) isJSONRPCMessage() {}

// wireEnvelope is the on-the-wire shape shared by every variant; it is used
// to sniff which variant a decoded object represents.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// EncodeMessage serializes m as a single JSON-RPC 2.0 wire object.
func EncodeMessage(m Message) ([]byte, error) {
	var env wireEnvelope
	env.JSONRPC = "2.0"
	switch m := m.(type) {
	case *Request:
		env.ID = &m.ID
		env.Method = m.Method
		env.Params = m.Params
	case *Notification:
		env.Method = m.Method
		env.Params = m.Params
	case *Response:
		env.ID = &m.ID
		env.Result = m.Result
		env.Error = m.Error
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", m)
	}
	return internaljson.Marshal(env)
}

// DecodeMessage parses a single JSON-RPC 2.0 wire object into the
// appropriate Message variant.
func DecodeMessage(data []byte) (Message, error) {
	var env wireEnvelope
	if err := StrictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("jsonrpc2: %w", err)
	}
	switch {
	case env.Error != nil || (env.ID != nil && env.Method == "" && env.Result != nil):
		return &Response{ID: derefID(env.ID), Result: env.Result, Error: env.Error}, nil
	case env.ID != nil && env.ID.IsValid():
		return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil
	default:
		return nil, errors.New("jsonrpc2: message has neither method nor id/result/error")
	}
}

func derefID(id *ID) ID {
	if id == nil {
		return ID{}
	}
	return *id
}

// DecodeBatch parses a JSON array of wire objects, or a single object
// treated as a batch of one, returning each decoded Message in order.
func DecodeBatch(data []byte) ([]Message, error) {
	var raw []json.RawMessage
	if err := internaljson.Unmarshal(data, &raw); err != nil {
		// Not an array: treat the whole payload as a single message.
		m, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []Message{m}, nil
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, err := DecodeMessage(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
