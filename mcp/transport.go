// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"

	"github.com/mcprt/runtime/jsonrpc"
)

// TransportError wraps a failure of the underlying byte stream: a disconnect,
// a send on a closed transport, or a read failure. It is distinct from
// ProtocolError, which travels the wire as a JSON-RPC error.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "mcp: transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrTransportClosed is returned by Write once a Connection has been
// disposed.
var ErrTransportClosed = errors.New("mcp: transport closed")

// Connection is a bidirectional, message-oriented channel. It is the
// minimal surface a Transport must provide; Transport itself is a factory
// that produces one Connection per logical peer.
type Connection interface {
	// Read blocks until a message is available, the connection is closed
	// (returning io.EOF), or ctx is done.
	Read(ctx context.Context) (jsonrpc.Message, error)
	// Write sends a single message. Implementations must serialize
	// concurrent writes so wire framing is never interleaved.
	Write(ctx context.Context, msg jsonrpc.Message) error
	// Close is idempotent; the second and later calls are no-ops.
	Close() error
	// SessionID returns the transport-assigned identifier for this
	// connection, if any (used for telemetry and by HTTP-backed
	// transports to report Mcp-Session-Id).
	SessionID() string
}

// Transport is a factory that establishes one Connection. Implementations
// in this package: StreamableClientTransport (the client side of C5) and
// WebSocketClientTransport.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// relatedTransportKey is an unexported marker stashed in a context.Context
// to pin an outbound reply to a specific Connection instance (the POST
// body that solicited it) rather than the session's default transport.
type relatedTransportKey struct{}

// withRelatedTransport returns a context carrying conn as the preferred
// destination for any reply sent while it is in scope.
func withRelatedTransport(ctx context.Context, conn Connection) context.Context {
	return context.WithValue(ctx, relatedTransportKey{}, conn)
}

// relatedTransportFromContext extracts the pinned Connection, if any.
func relatedTransportFromContext(ctx context.Context) (Connection, bool) {
	c, ok := ctx.Value(relatedTransportKey{}).(Connection)
	return c, ok
}

// withExecutionContext returns a context with the ambient execution context
// merged in: ec's values become visible through ctx, while ctx itself still
// governs cancellation and deadline (the read loop's own lifecycle).
func withExecutionContext(ctx context.Context, ec context.Context) context.Context {
	if ec == nil {
		return ctx
	}
	return mergedExecutionContext{Context: ctx, ec: ec}
}

// mergedExecutionContext layers ec's values beneath ctx: a Value lookup ctx
// itself doesn't satisfy falls through to ec.
type mergedExecutionContext struct {
	context.Context
	ec context.Context
}

func (m mergedExecutionContext) Value(key any) any {
	if v := m.Context.Value(key); v != nil {
		return v
	}
	return m.ec.Value(key)
}
