// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the endpoint: a thin façade owning one Session, its
// handler registries, and the client/server initialization handshake.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
)

// ProtocolVersions are the protocol versions this endpoint understands, in
// preference order; the first is offered by the client during initialize.
var ProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

const latestProtocolVersion = "2025-06-18"

const defaultInitializeTimeout = 60 * time.Second

// Client is the client-side endpoint: it holds its own Implementation and
// capabilities, and produces a ClientSession for each Connect.
type Client struct {
	impl    *Implementation
	caps    *ClientCapabilities
	metrics Metrics
}

// NewClient returns a Client identified by impl. A nil caps is treated as
// "no optional capabilities".
func NewClient(impl *Implementation, caps *ClientCapabilities) *Client {
	if caps == nil {
		caps = &ClientCapabilities{}
	}
	return &Client{impl: impl, caps: caps}
}

// ClientSession is the client-role endpoint bound to one live Session.
type ClientSession struct {
	*Session
	ServerInfo   *Implementation
	ServerCaps   *ServerCapabilities
}

// Connect establishes conn, performs the initialize handshake (with
// initTimeout, or defaultInitializeTimeout if zero), and starts the
// session's read loop in the background. On handshake failure the session
// is disposed before returning.
func (c *Client) Connect(ctx context.Context, t Transport, initTimeout time.Duration) (*ClientSession, error) {
	if initTimeout == 0 {
		initTimeout = defaultInitializeTimeout
	}
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect: %w", err)
	}
	sess := NewSession(RoleClient, TransportStream, conn)
	sess.metrics = c.metrics
	go sess.ProcessMessages(ctx)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	params := &InitializeParams{
		Capabilities:    c.caps,
		ClientInfo:      c.impl,
		ProtocolVersion: latestProtocolVersion,
	}
	reqBytes, err := json.Marshal(params)
	if err != nil {
		sess.Close()
		return nil, err
	}
	resBytes, err := sess.SendRequest(initCtx, methodInitialize, reqBytes)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(resBytes, &result); err != nil {
		sess.Close()
		return nil, fmt.Errorf("mcp: initialize: malformed result: %w", err)
	}
	if result.ProtocolVersion != params.ProtocolVersion {
		sess.Close()
		return nil, fmt.Errorf("mcp: initialize: protocol version mismatch: requested %q, got %q",
			params.ProtocolVersion, result.ProtocolVersion)
	}

	initializedBytes, _ := json.Marshal(&InitializedParams{})
	_ = sess.SendMessage(ctx, &jsonrpc.Notification{Method: notificationInitialized, Params: initializedBytes})

	return &ClientSession{Session: sess, ServerInfo: result.ServerInfo, ServerCaps: result.Capabilities}, nil
}

// Server is the server-side endpoint: it holds the server's Implementation,
// declared capabilities, and the collaborator handlers registered for the
// capability-gated method surface (§4.4). Registering tools/prompts/
// resources/sampling semantics themselves is out of scope here; Server only
// wires method names to whatever RequestHandler the embedder supplies.
type Server struct {
	impl    *Implementation
	caps    *ServerCapabilities
	metrics Metrics

	handlers map[string]RequestHandler
}

// NewServer returns a Server identified by impl with the given declared
// capabilities (nil means none declared).
func NewServer(impl *Implementation, caps *ServerCapabilities) *Server {
	if caps == nil {
		caps = &ServerCapabilities{}
	}
	return &Server{impl: impl, caps: caps, handlers: make(map[string]RequestHandler)}
}

// AddRequestHandler registers h for method on every session this Server
// subsequently accepts. It must be called before Connect.
func (srv *Server) AddRequestHandler(method string, h RequestHandler) {
	srv.handlers[method] = h
}

// ServerSession is the server-role endpoint bound to one live Session.
type ServerSession struct {
	*Session
	ClientInfo *Implementation
	ClientCaps *ClientCapabilities
}

// Connect accepts conn as a new client session: it registers ping,
// initialize, and the capability-gated handler surface, then starts the
// read loop. The initialize handshake itself is driven by the peer; Connect
// returns once that handshake has completed (or ctx is done).
func (srv *Server) Connect(ctx context.Context, conn Connection) (*ServerSession, error) {
	sess := NewSession(RoleServer, TransportStream, conn)
	sess.metrics = srv.metrics
	ss := &ServerSession{Session: sess}

	initDone := make(chan struct{})
	sess.RegisterRequestHandler(methodInitialize, func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		var p InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewProtocolError(invalidParamsCode, "malformed initialize params")
		}
		ss.ClientInfo = p.ClientInfo
		ss.ClientCaps = p.Capabilities
		version := p.ProtocolVersion
		if !supportedVersion(version) {
			version = latestProtocolVersion
		}
		close(initDone)
		return &InitializeResult{
			Capabilities:    srv.caps,
			ProtocolVersion: version,
			ServerInfo:      srv.impl,
		}, nil
	})
	sess.RegisterRequestHandler(methodPing, func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		return &PingResult{}, nil
	})
	for method, h := range srv.capabilityGatedHandlers() {
		sess.RegisterRequestHandler(method, h)
	}

	go sess.ProcessMessages(ctx)

	select {
	case <-initDone:
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
	return ss, nil
}

// Resume reconstructs a ServerSession without running the initialize
// handshake over the wire, binding clientInfo recovered from elsewhere (for
// example a stateless session envelope, §4.7) directly. The read loop is
// started immediately; Resume never blocks on a peer message.
func (srv *Server) Resume(ctx context.Context, conn Connection, clientInfo *Implementation) *ServerSession {
	sess := NewSession(RoleServer, TransportStream, conn)
	sess.metrics = srv.metrics
	ss := &ServerSession{Session: sess, ClientInfo: clientInfo}
	sess.RegisterRequestHandler(methodPing, func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		return &PingResult{}, nil
	})
	for method, h := range srv.capabilityGatedHandlers() {
		sess.RegisterRequestHandler(method, h)
	}
	go sess.ProcessMessages(ctx)
	return ss
}

// capabilityGatedHandlers returns the subset of srv.handlers whose method
// corresponds to a capability srv declared, per §4.4. A handler registered
// for a method whose capability was never declared is simply never wired,
// rather than erroring, since capabilities may be extended independently.
func (srv *Server) capabilityGatedHandlers() map[string]RequestHandler {
	out := make(map[string]RequestHandler)
	gate := func(enabled bool, methods ...string) {
		if !enabled {
			return
		}
		for _, m := range methods {
			if h, ok := srv.handlers[m]; ok {
				out[m] = h
			}
		}
	}
	gate(srv.caps.Tools != nil, methodListTools, methodCallTool)
	gate(srv.caps.Prompts != nil, methodListPrompts, methodGetPrompt)
	gate(srv.caps.Resources != nil, methodListResources, methodReadResource, methodListResourceTemplates)
	if srv.caps.Resources != nil && srv.caps.Resources.Subscribe {
		gate(true, methodSubscribe, methodUnsubscribe)
	}
	gate(srv.caps.Completions != nil, methodComplete)
	gate(srv.caps.Logging != nil, methodSetLevel)
	return out
}

func supportedVersion(v string) bool {
	for _, sv := range ProtocolVersions {
		if sv == v {
			return true
		}
	}
	return false
}

const invalidParamsCode = jsonrpc.CodeInvalidParams
