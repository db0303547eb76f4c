// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements C5: the Streamable HTTP server transport. One
// StreamableServerTransport backs one HTTPSession; it multiplexes the
// session's single logical Connection across many HTTP requests by routing
// each outbound message either to the POST reply channel that solicited it
// (via requestStreams) or to the session's at-most-one GET push stream
// (stream 0).

package mcp

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	internaljson "github.com/mcprt/runtime/internal/json"
	"github.com/mcprt/runtime/internal/mcpgodebug"
	"github.com/mcprt/runtime/internal/util"
	"github.com/mcprt/runtime/jsonrpc"
	"golang.org/x/time/rate"
)

// ErrSessionNotFound maps to HTTP 404 with JSON-RPC error -32001 (§4.1, §7).
var ErrSessionNotFound = errors.New("mcp: session not found")

// streamID identifies one of a session's concurrently open reply channels:
// 0 is reserved for the GET push stream; every POST gets its own ephemeral
// positive id for the duration of that request.
type streamID int64

const getStreamID streamID = 0

// streamableMsg is one buffered outbound message on a stream, indexed for
// SSE resumption via Last-Event-ID (formatEventID/parseEventID).
type streamableMsg struct {
	idx int
	ev  sseEvent
}

// deliveredMessage pairs an inbound message with the ambient execution
// context captured from the *http.Request that delivered it (§4.2, §4.3,
// §9), carried through the incoming channel alongside the message itself.
type deliveredMessage struct {
	msg     jsonrpc.Message
	execCtx context.Context
}

// execCtxBox lets lastExecCtx store a possibly-nil context.Context in an
// atomic.Value, which otherwise rejects a nil interface value.
type execCtxBox struct{ ctx context.Context }

// StreamableServerTransport is the per-session Connection implementation
// backing the Streamable HTTP server transport.
type StreamableServerTransport struct {
	sessionID string

	incoming    chan deliveredMessage
	lastExecCtx atomic.Value // execCtxBox

	mu                sync.Mutex
	isDone            bool
	done              chan struct{}
	nextStreamID      int64
	outgoing          map[streamID][]streamableMsg
	signals           map[streamID]chan struct{}
	requestStreams    map[any]streamID            // pending request id -> the stream awaiting its reply
	streamOutstanding map[streamID]map[any]struct{} // stream -> ids delivered on it not yet replied to
}

// NewStreamableServerTransport constructs the transport for a freshly
// created or stateless-reconstructed HTTP session.
func NewStreamableServerTransport(sessionID string) *StreamableServerTransport {
	return &StreamableServerTransport{
		sessionID:         sessionID,
		incoming:          make(chan deliveredMessage, 16),
		done:              make(chan struct{}),
		outgoing:          make(map[streamID][]streamableMsg),
		signals:           make(map[streamID]chan struct{}),
		requestStreams:    make(map[any]streamID),
		streamOutstanding: make(map[streamID]map[any]struct{}),
	}
}

func (t *StreamableServerTransport) SessionID() string { return t.sessionID }

// Read implements Connection by pulling the next message fed in by a POST
// handler via deliver, remembering its execution context for
// executionContext to report.
func (t *StreamableServerTransport) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case d, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		t.lastExecCtx.Store(execCtxBox{ctx: d.execCtx})
		return d.msg, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// executionContext implements executionContextCarrier, returning the
// execution context captured for the message most recently returned by
// Read.
func (t *StreamableServerTransport) executionContext() context.Context {
	if v, ok := t.lastExecCtx.Load().(execCtxBox); ok {
		return v.ctx
	}
	return nil
}

// deliver feeds one message from a POST body into the session's read loop,
// first registering requestStreams[id] = sid so the eventual reply is
// routed back to that POST's own stream rather than the GET push channel,
// and recording it in streamOutstanding[sid] so the handler serving that
// POST knows when every call it delivered has been answered. execCtx is the
// ambient execution context of the *http.Request that is delivering msg.
func (t *StreamableServerTransport) deliver(sid streamID, msg jsonrpc.Message, execCtx context.Context) {
	if req, ok := msg.(*jsonrpc.Request); ok && req.IsCall() {
		t.mu.Lock()
		t.requestStreams[req.ID.Raw()] = sid
		if t.streamOutstanding[sid] == nil {
			t.streamOutstanding[sid] = make(map[any]struct{})
		}
		t.streamOutstanding[sid][req.ID.Raw()] = struct{}{}
		t.mu.Unlock()
	}
	select {
	case t.incoming <- deliveredMessage{msg: msg, execCtx: execCtx}:
	case <-t.done:
	}
}

// Write implements Connection: it decides which stream a message belongs on
// — the POST stream recorded for a Response's request id, or the GET push
// stream — and appends it there, waking any blocked reader. ctx plays no
// part in the routing.
func (t *StreamableServerTransport) Write(ctx context.Context, msg jsonrpc.Message) error {
	sid := t.routeFor(ctx, msg)
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	idx := len(t.outgoing[sid])
	t.outgoing[sid] = append(t.outgoing[sid], streamableMsg{idx: idx, ev: sseEvent{ID: formatEventID(sid, idx), Data: string(data)}})
	sig := t.signals[sid]
	t.mu.Unlock()

	if sig != nil {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
	return nil
}

// routeFor decides which stream msg belongs on. A Response is routed back to
// the stream that delivered the request it answers (requestStreams);
// anything else — a server-initiated request or a notification — goes to
// the GET push stream, the only outbound channel not solicited by a POST.
func (t *StreamableServerTransport) routeFor(ctx context.Context, msg jsonrpc.Message) streamID {
	if resp, ok := msg.(*jsonrpc.Response); ok {
		t.mu.Lock()
		sid, ok := t.requestStreams[resp.ID.Raw()]
		if ok {
			delete(t.requestStreams, resp.ID.Raw())
			delete(t.streamOutstanding[sid], resp.ID.Raw())
		}
		t.mu.Unlock()
		if ok {
			return sid
		}
	}
	return getStreamID
}

// newStream allocates a fresh POST-scoped stream id and its signal channel.
func (t *StreamableServerTransport) newStream() streamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextStreamID++
	sid := streamID(t.nextStreamID)
	t.signals[sid] = make(chan struct{}, 1)
	return sid
}

// closeStream discards a POST-scoped stream's buffered messages once its
// response has been written; the GET stream (id 0) is never closed this way.
func (t *StreamableServerTransport) closeStream(sid streamID) {
	if sid == getStreamID {
		return
	}
	t.mu.Lock()
	delete(t.outgoing, sid)
	delete(t.signals, sid)
	delete(t.streamOutstanding, sid)
	t.mu.Unlock()
}

// outstanding reports how many calls delivered on stream sid have not yet
// been replied to.
func (t *StreamableServerTransport) outstanding(sid streamID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streamOutstanding[sid])
}

// waitForMessage blocks until stream sid has a message at index >= after,
// the transport closes, or ctx is done, then returns the messages available
// from `after` onward.
func (t *StreamableServerTransport) waitForMessage(ctx context.Context, sid streamID, after int) ([]streamableMsg, bool) {
	for {
		t.mu.Lock()
		msgs := t.outgoing[sid]
		if after < len(msgs) {
			out := append([]streamableMsg(nil), msgs[after:]...)
			t.mu.Unlock()
			return out, true
		}
		done := t.isDone
		sig := t.signals[sid]
		t.mu.Unlock()
		if done {
			return nil, false
		}
		if sig == nil {
			return nil, false
		}
		select {
		case <-sig:
			continue
		case <-t.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close implements Connection; it is idempotent.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	if t.isDone {
		t.mu.Unlock()
		return nil
	}
	t.isDone = true
	close(t.done)
	t.mu.Unlock()
	return nil
}

// StreamableHTTPHandler is an http.Handler exposing the Streamable HTTP
// transport's three methods (POST/GET/DELETE) over one route, per §4.5.
type StreamableHTTPHandler struct {
	// NewServer is called once per new session to bind an MCP Server.
	NewServer func(req *http.Request) *Server

	registry  *SessionRegistry
	protector SecretProtector // non-nil iff running in stateless mode

	// MaxBodyBytes caps POST body size; 0 selects DefaultMaxBodyBytes, <0
	// means unlimited.
	MaxBodyBytes int64

	// AuthenticatedUserIDClaim extracts the caller's identity from an HTTP
	// request (the "Credential extractor" collaborator of §6). Nil means
	// every request is anonymous.
	AuthenticatedUserIDClaim func(*http.Request) *UserIDClaim

	// Limiter, if set, bounds the aggregate rate of incoming HTTP requests
	// across all sessions; a request that exceeds it is rejected with 429
	// before any session or body work begins.
	Limiter *rate.Limiter
}

// NewStreamableHTTPHandler returns a stateful handler: sessions are held in
// an in-process registry swept for idleness per opts.
func NewStreamableHTTPHandler(newServer func(*http.Request) *Server, opts SessionRegistryOptions) *StreamableHTTPHandler {
	return &StreamableHTTPHandler{NewServer: newServer, registry: NewSessionRegistry(opts)}
}

// NewStatelessStreamableHTTPHandler returns a handler operating in
// stateless mode (§4.7): no GET/DELETE, no server-held session state.
func NewStatelessStreamableHTTPHandler(newServer func(*http.Request) *Server, protector SecretProtector) *StreamableHTTPHandler {
	return &StreamableHTTPHandler{NewServer: newServer, protector: protector}
}

// Close stops the idle sweeper (stateful mode only) and disposes every
// remaining session.
func (h *StreamableHTTPHandler) Close() {
	if h.registry != nil {
		h.registry.Shutdown()
	}
}

const sessionIDHeader = "Mcp-Session-Id"

// warnedNonLoopback gates the one-time plaintext-exposure warning below so a
// busy handler doesn't spam logs once per request.
var warnedNonLoopback atomic.Bool

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	if r.TLS == nil && !util.IsLoopback(r.RemoteAddr) && mcpgodebug.Value("allowhttpnonloopback") != "1" {
		if warnedNonLoopback.CompareAndSwap(false, true) {
			slog.Warn("mcp: serving Streamable HTTP over plaintext to a non-loopback peer; terminate TLS upstream or set MCPGODEBUG=allowhttpnonloopback=1 to silence this", "remote", r.RemoteAddr)
		}
	}
	switch r.Method {
	case http.MethodPost:
		h.servePOST(w, r)
	case http.MethodGet:
		h.serveGET(w, r)
	case http.MethodDelete:
		h.serveDELETE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func acceptsBoth(h string) bool {
	return strings.Contains(h, "application/json") && strings.Contains(h, "text/event-stream")
}

func acceptsSSE(h string) bool {
	return strings.Contains(h, "text/event-stream")
}

func writeJSONRPCError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{Error: &jsonrpc.WireError{Code: code, Message: message}})
	w.Write(data)
}

func (h *StreamableHTTPHandler) servePOST(w http.ResponseWriter, r *http.Request) {
	if !acceptsBoth(r.Header.Get("Accept")) {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.CodeInvalidRequest, "Accept header must include application/json and text/event-stream")
		return
	}

	claim := h.claim(r)

	if h.protector != nil {
		h.servePOSTStateless(w, r, claim)
		return
	}

	var sess *HTTPSession
	existingID := r.Header.Get(sessionIDHeader)
	if existingID == "" {
		var err error
		sess, err = h.createSession(r)
		if err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "failed to create session")
			return
		}
		sess.UserIDClaim = claim
		w.Header().Set(sessionIDHeader, sess.ID)
	} else {
		var ok bool
		sess, ok = h.registry.TryGet(existingID)
		if !ok {
			writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "session not found")
			return
		}
		if !sess.UserIDClaim.Equal(claim) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set(sessionIDHeader, sess.ID)
	}

	sess.Acquire()
	defer sess.Release()

	h.handlePOSTBody(w, r, sess.Transport)
}

// servePOSTStateless reconstructs a transient session for the lifetime of
// one POST (§4.7). A request carrying no Mcp-Session-Id is necessarily an
// initialize call and runs the normal handshake; any other request resumes
// a session directly from the envelope, bypassing the wire handshake.
func (h *StreamableHTTPHandler) servePOSTStateless(w http.ResponseWriter, r *http.Request, claim *UserIDClaim) {
	data, msgs, ok := h.readBody(w, r)
	if !ok {
		return
	}

	existingID := r.Header.Get(sessionIDHeader)
	t := NewStreamableServerTransport(existingID)
	srv := h.NewServer(r)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var ssess *ServerSession
	if existingID == "" {
		ci := peekClientInfo(data)
		env := statelessEnvelope{ClientInfo: ci, UserIDClaim: claim}
		id, err := encodeStatelessID(h.protector, env)
		if err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.CodeInternalError, "failed to seal session id")
			return
		}
		w.Header().Set(sessionIDHeader, id)

		sid := t.newStream()
		defer t.closeStream(sid)
		for _, m := range msgs {
			t.deliver(sid, m, r.Context())
		}

		connectCh := make(chan error, 1)
		go func() {
			s, err := srv.Connect(ctx, t)
			ssess = s
			connectCh <- err
		}()
		h.streamReplies(w, r, t, sid, msgs, connectCh)
		if ssess != nil {
			ssess.Close()
		}
		return
	}

	env, err := decodeStatelessID(h.protector, existingID)
	if err != nil {
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "session not found")
		return
	}
	if !env.UserIDClaim.Equal(claim) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set(sessionIDHeader, existingID)

	ssess = srv.Resume(ctx, t, env.ClientInfo)
	defer ssess.Close()

	sid := t.newStream()
	defer t.closeStream(sid)
	for _, m := range msgs {
		t.deliver(sid, m, r.Context())
	}
	h.writeReplies(w, r, t, sid, msgs)
}

func peekClientInfo(body []byte) *Implementation {
	msgs, err := jsonrpc.DecodeBatch(body)
	if err != nil {
		return nil
	}
	for _, m := range msgs {
		if req, ok := m.(*jsonrpc.Request); ok && req.Method == methodInitialize {
			var p InitializeParams
			if internaljson.Unmarshal(req.Params, &p) == nil {
				return p.ClientInfo
			}
		}
	}
	return nil
}

func hasCall(msgs []jsonrpc.Message) bool {
	for _, m := range msgs {
		if req, ok := m.(*jsonrpc.Request); ok && req.IsCall() {
			return true
		}
	}
	return false
}

// readBody reads and decodes the POST body, writing an error response and
// returning ok=false on any failure.
func (h *StreamableHTTPHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, []jsonrpc.Message, bool) {
	limit := effectiveMaxBodyBytes(h.MaxBodyBytes)
	body := r.Body
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		body = r.Body
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
			return nil, nil, false
		}
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "failed to read body")
		return nil, nil, false
	}
	msgs, err := jsonrpc.DecodeBatch(data)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeParseError, "invalid JSON-RPC message")
		return nil, nil, false
	}
	return data, msgs, true
}

func (h *StreamableHTTPHandler) handlePOSTBody(w http.ResponseWriter, r *http.Request, t *StreamableServerTransport) {
	_, msgs, ok := h.readBody(w, r)
	if !ok {
		return
	}
	sid := t.newStream()
	defer t.closeStream(sid)
	for _, m := range msgs {
		t.deliver(sid, m, r.Context())
	}
	h.writeReplies(w, r, t, sid, msgs)
}

// writeReplies responds with 202 Accepted for a body with no calls, or
// streams every reply the session produces for sid as SSE events.
func (h *StreamableHTTPHandler) writeReplies(w http.ResponseWriter, r *http.Request, t *StreamableServerTransport, sid streamID, msgs []jsonrpc.Message) {
	if !hasCall(msgs) {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	flushHeaders(w)

	h.streamUntilDrained(w, r, t, sid)
}

// streamReplies is writeReplies's counterpart for the fresh-session path,
// where the handshake runs concurrently with reply delivery: it waits for
// Server.Connect to finish before falling back to the ordinary reply wait.
// If Connect fails, the 200 SSE response ends with no events written.
func (h *StreamableHTTPHandler) streamReplies(w http.ResponseWriter, r *http.Request, t *StreamableServerTransport, sid streamID, msgs []jsonrpc.Message, connectErr <-chan error) {
	if !hasCall(msgs) {
		w.WriteHeader(http.StatusAccepted)
		<-connectErr
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	flushHeaders(w)

	if err := <-connectErr; err != nil {
		return
	}

	h.streamUntilDrained(w, r, t, sid)
}

// streamUntilDrained writes every reply produced for sid as an SSE event,
// looping until every call delivered on sid has been answered, the
// transport closes, or the client disconnects — so a POST body batching
// several calls never has a later reply discarded along with the stream's
// buffer once an earlier reply arrives.
func (h *StreamableHTTPHandler) streamUntilDrained(w http.ResponseWriter, r *http.Request, t *StreamableServerTransport, sid streamID) {
	after := 0
	for {
		available, ok := t.waitForMessage(r.Context(), sid, after)
		if !ok {
			return
		}
		for _, m := range available {
			if err := writeEvent(w, m.ev); err != nil {
				return
			}
			after = m.idx + 1
		}
		if t.outstanding(sid) == 0 {
			return
		}
	}
}

func (h *StreamableHTTPHandler) serveGET(w http.ResponseWriter, r *http.Request) {
	if h.protector != nil {
		http.Error(w, "GET not available in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	if !acceptsSSE(r.Header.Get("Accept")) {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.CodeInvalidRequest, "Accept header must include text/event-stream")
		return
	}
	id := r.Header.Get(sessionIDHeader)
	sess, ok := h.registry.TryGet(id)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "session not found")
		return
	}
	if !sess.UserIDClaim.Equal(h.claim(r)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !sess.tryStartGET() {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.CodeServerError, "session already has an open GET stream; at most one concurrent GET is permitted for multiple GET requests")
		return
	}
	defer sess.endGET()

	sess.Acquire()
	defer sess.Release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	flushHeaders(w)

	after := 0
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if sid, idx, ok := parseEventID(lastID); ok && sid == getStreamID {
			after = idx + 1
		}
	}

	ctx := r.Context()
	for {
		msgs, ok := sess.Transport.waitForMessage(ctx, getStreamID, after)
		if !ok {
			return
		}
		for _, m := range msgs {
			if err := writeEvent(w, m.ev); err != nil {
				return
			}
			after = m.idx + 1
		}
	}
}

func (h *StreamableHTTPHandler) serveDELETE(w http.ResponseWriter, r *http.Request) {
	if h.protector != nil {
		http.Error(w, "DELETE not available in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	id := r.Header.Get(sessionIDHeader)
	sess, ok := h.registry.TryRemove(id)
	if !ok {
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc.CodeSessionNotFound, "session not found")
		return
	}
	sess.Close()
	w.WriteHeader(http.StatusOK)
}

func (h *StreamableHTTPHandler) claim(r *http.Request) *UserIDClaim {
	if h.AuthenticatedUserIDClaim == nil {
		return nil
	}
	return h.AuthenticatedUserIDClaim(r)
}

func (h *StreamableHTTPHandler) createSession(r *http.Request) (*HTTPSession, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	t := NewStreamableServerTransport(id)
	sess := newHTTPSession(id, t, nil)
	if !h.registry.TryAdd(sess) {
		return nil, fmt.Errorf("mcp: session id collision")
	}

	srv := h.NewServer(r)
	ctx, cancel := context.WithCancel(context.Background())
	sess.runCancel = cancel
	go func() {
		defer close(sess.runDone)
		ssess, err := srv.Connect(ctx, t)
		if err != nil {
			h.registry.TryRemove(sess.ID)
			return
		}
		<-ctx.Done()
		ssess.Close()
	}()
	return sess, nil
}

// newSessionID returns a URL-safe base64 encoding of 16 random bytes
// (≥128-bit entropy), per §3.
func newSessionID() (string, error) {
	return randomBase64(16)
}

func randomBase64(n int) (string, error) {
	b := make([]byte, n)
	if _, err := cryptorand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func flushHeaders(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
