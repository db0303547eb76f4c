// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the session multiplexer: the component that owns a
// transport, correlates outgoing requests with incoming responses, and
// dispatches incoming requests and notifications to registered handlers.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
)

// pendingSlot is the one-shot result slot awaited by the caller of
// SendRequest; it is removed from Session.pendingRequests exactly once, by
// whichever of response-arrival, cancellation, or shutdown occurs first.
type pendingSlot struct {
	resultCh chan *jsonrpc.Response
	done     sync.Once
}

func (s *pendingSlot) complete(resp *jsonrpc.Response) {
	s.done.Do(func() { s.resultCh <- resp })
}

// handlingEntry is the cancellation handle for an in-flight inbound request.
type handlingEntry struct {
	cancel context.CancelFunc
}

// notificationEntry lets a handler be removed independently of others
// registered for the same method, and lets Unregister wait for in-flight
// invocations using it to drain.
type notificationEntry struct {
	id      uint64
	handler NotificationHandler
	wg      sync.WaitGroup
}

// Session owns one Connection and multiplexes JSON-RPC traffic over it. It
// implements C3 of the runtime: request/response correlation, inbound
// dispatch, cancellation, progress, and telemetry.
type Session struct {
	role          Role
	transportKind TransportKind
	transport     Connection
	id            string // sessionId, for telemetry; distinct from HTTP session id

	metrics Metrics

	mu               sync.Mutex
	pendingRequests  map[any]*pendingSlot
	handlingRequests map[any]*handlingEntry
	closed           bool

	notifMu    sync.Mutex
	nextNotifID uint64
	requestHandlers     map[string]RequestHandler
	notificationHandlers map[string][]*notificationEntry

	lastOutboundID atomic.Int64

	done      chan struct{}
	closeOnce sync.Once

	startedAt time.Time
}

// NewSession creates a Session bound to conn, ready to have handlers
// registered before ProcessMessages is called.
func NewSession(role Role, kind TransportKind, conn Connection) *Session {
	s := &Session{
		role:                role,
		transportKind:       kind,
		transport:           conn,
		id:                  conn.SessionID(),
		pendingRequests:     make(map[any]*pendingSlot),
		handlingRequests:    make(map[any]*handlingEntry),
		requestHandlers:     make(map[string]RequestHandler),
		notificationHandlers: make(map[string][]*notificationEntry),
		done:                make(chan struct{}),
		startedAt:           time.Now(),
	}
	return s
}

// RegisterRequestHandler installs h for method, overwriting any prior
// handler for the same (ordinal, case-sensitive) name.
func (s *Session) RegisterRequestHandler(method string, h RequestHandler) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	s.requestHandlers[method] = h
}

// notificationEntryKey is stashed in the context passed to a
// NotificationHandler invocation so Unregister can tell, when called with
// that same context, that it is being called from within its own handler.
type notificationEntryKey struct{}

// RegisterNotificationHandler installs h for method and returns a function
// that unregisters it. Unregister(ctx) blocks until any in-progress
// invocation of h completes, unless ctx is the context h was itself invoked
// with, in which case it returns immediately (avoiding self-deadlock).
func (s *Session) RegisterNotificationHandler(method string, h NotificationHandler) (unregister func(ctx context.Context)) {
	s.notifMu.Lock()
	s.nextNotifID++
	entry := &notificationEntry{id: s.nextNotifID, handler: h}
	s.notificationHandlers[method] = append(s.notificationHandlers[method], entry)
	s.notifMu.Unlock()

	return func(ctx context.Context) {
		self := false
		if ctx != nil {
			if v, ok := ctx.Value(notificationEntryKey{}).(*notificationEntry); ok && v == entry {
				self = true
			}
		}
		s.removeNotificationEntry(method, entry)
		if !self {
			entry.wg.Wait()
		}
	}
}

func (s *Session) removeNotificationEntry(method string, target *notificationEntry) {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()
	entries := s.notificationHandlers[method]
	for i, e := range entries {
		if e == target {
			s.notificationHandlers[method] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
}

// SendMessage writes msg on the session's transport (or, if ctx carries a
// pinned Connection via withRelatedTransport, on that one instead),
// serialized with any other outbound write.
func (s *Session) SendMessage(ctx context.Context, msg jsonrpc.Message) error {
	conn := s.transport
	if pinned, ok := relatedTransportFromContext(ctx); ok {
		conn = pinned
	}
	if err := conn.Write(ctx, msg); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// SendRequest sends method/params as a request, registers a pending slot
// before sending, and blocks until a response arrives, ctx is cancelled, or
// the session shuts down. On cancellation, a best-effort
// notifications/cancelled is sent referencing the id after the original
// request was actually written (never before), and the pending slot is
// abandoned; a later response for that id is dropped with a warning.
func (s *Session) SendRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{}
	}

	id := jsonrpc.Int64ID(s.lastOutboundID.Add(1))
	slot := &pendingSlot{resultCh: make(chan *jsonrpc.Response, 1)}

	target := targetName(method, params)
	spanCtx, span := startSpan(ctx, s.id, method, target)

	// Trace context travels in params._meta, which only object (or absent)
	// params can carry; any other params value is sent unchanged.
	if p := bytes.TrimSpace(params); len(p) == 0 || p[0] == '{' {
		meta, err := jsonrpc.ParamsWithMeta(params)
		if err != nil {
			endSpan(span, id.Raw(), err, false)
			return nil, err
		}
		injectTraceContext(spanCtx, &meta)
		params, err = jsonrpc.SetMeta(params, meta)
		if err != nil {
			endSpan(span, id.Raw(), err, false)
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		endSpan(span, id.Raw(), ErrTransportClosed, false)
		return nil, &TransportError{Op: "send", Err: ErrTransportClosed}
	}
	s.pendingRequests[id.Raw()] = slot
	s.mu.Unlock()

	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	start := time.Now()
	if err := s.SendMessage(ctx, req); err != nil {
		s.mu.Lock()
		delete(s.pendingRequests, id.Raw())
		s.mu.Unlock()
		endSpan(span, id.Raw(), err, false)
		return nil, err
	}
	defer func() { s.metrics.ObserveOperation(method, s.transportKind, "outbound", target, time.Since(start)) }()

	select {
	case resp := <-slot.resultCh:
		if resp == nil {
			err := &TransportError{Op: "read", Err: fmt.Errorf("peer shut down unexpectedly")}
			endSpan(span, id.Raw(), err, false)
			return nil, err
		}
		if resp.Error != nil {
			perr := &ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
			endSpan(span, id.Raw(), perr, false)
			return nil, perr
		}
		endSpan(span, id.Raw(), nil, toolCallIsError(method, resp.Result))
		return resp.Result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingRequests, id.Raw())
		s.mu.Unlock()
		cancelParams, _ := marshalCancelled(id.Raw(), "context cancelled")
		_ = s.SendMessage(context.Background(), &jsonrpc.Notification{Method: notificationCancelled, Params: cancelParams})
		endSpan(span, id.Raw(), &CancelledError{}, false)
		return nil, &CancelledError{}
	case <-s.done:
		err := &TransportError{Op: "read", Err: fmt.Errorf("peer shut down unexpectedly")}
		endSpan(span, id.Raw(), err, false)
		return nil, err
	}
}

func marshalCancelled(id any, reason string) (json.RawMessage, error) {
	return json.Marshal(&CancelledParams{Reason: reason, RequestID: id})
}

// executionContextCarrier is optionally implemented by a Connection whose
// Read associates an ambient execution context with the most recently
// returned message (authentication, per-request values, tracing baggage
// belonging to the *http.Request that delivered it). ProcessMessages
// restores it around dispatch when present (§4.2, §4.3, §9).
type executionContextCarrier interface {
	executionContext() context.Context
}

// ProcessMessages drives the read loop until the transport ends or ctx is
// cancelled. Each inbound message is dispatched on a freshly scheduled
// goroutine so a slow handler cannot stall subsequent reads; for requests
// and notifications bearing a cancellable id, handlingRequests is populated
// before the goroutine yields for the first time, so a cancellation
// notification arriving immediately after cannot race past it.
func (s *Session) ProcessMessages(ctx context.Context) error {
	defer s.shutdown()
	carrier, hasExecutionContext := s.transport.(executionContextCarrier)
	for {
		msg, err := s.transport.Read(ctx)
		if err != nil {
			return err
		}
		dctx := ctx
		if hasExecutionContext {
			if ec := carrier.executionContext(); ec != nil {
				dctx = withExecutionContext(ctx, ec)
			}
		}
		s.dispatch(dctx, msg)
	}
}

func (s *Session) dispatch(ctx context.Context, msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		s.dispatchResponse(m)
	case *jsonrpc.Request:
		s.dispatchRequest(ctx, m)
	case *jsonrpc.Notification:
		s.dispatchNotification(ctx, m)
	}
}

func (s *Session) dispatchResponse(resp *jsonrpc.Response) {
	s.mu.Lock()
	slot, ok := s.pendingRequests[resp.ID.Raw()]
	if ok {
		delete(s.pendingRequests, resp.ID.Raw())
	}
	s.mu.Unlock()
	if !ok {
		slog.Warn("mcp: response for unknown request id", "id", resp.ID.Raw())
		return
	}
	slot.complete(resp)
}

func (s *Session) dispatchRequest(ctx context.Context, req *jsonrpc.Request) {
	hctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.handlingRequests[req.ID.Raw()] = &handlingEntry{cancel: cancel}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.handlingRequests, req.ID.Raw())
			s.mu.Unlock()
			cancel()
		}()
		s.handleRequest(hctx, req)
	}()
}

func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	start := time.Now()
	target := targetName(req.Method, req.Params)
	defer func() {
		s.metrics.ObserveOperation(req.Method, s.transportKind, "inbound", target, time.Since(start))
	}()

	meta, _ := jsonrpc.ParamsWithMeta(req.Params)
	ctx = extractTraceContext(ctx, meta)
	ctx, span := startSpan(ctx, s.id, req.Method, target)

	s.notifMu.Lock()
	h, ok := s.requestHandlers[req.Method]
	s.notifMu.Unlock()

	var result Result
	var herr error
	if !ok {
		herr = NewProtocolError(jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	} else {
		result, herr = h(ctx, s, req.Params)
	}

	if herr != nil {
		if ctx.Err() != nil {
			// Inbound request cancelled by the peer: the handler observed
			// cancellation; no reply is sent for user-initiated cancellation.
			endSpan(span, req.ID.Raw(), herr, false)
			return
		}
		s.replyError(ctx, req.ID, herr)
		endSpan(span, req.ID.Raw(), herr, false)
		return
	}

	resBytes, err := json.Marshal(result)
	if err != nil {
		s.replyError(ctx, req.ID, err)
		endSpan(span, req.ID.Raw(), err, false)
		return
	}
	_ = s.SendMessage(ctx, &jsonrpc.Response{ID: req.ID, Result: resBytes})
	endSpan(span, req.ID.Raw(), nil, toolCallIsError(req.Method, resBytes))
}

func (s *Session) replyError(ctx context.Context, id jsonrpc.ID, err error) {
	var perr *ProtocolError
	if pe, ok := err.(*ProtocolError); ok {
		perr = pe
	} else {
		slog.Error("mcp: request handler failed", "error", err)
		perr = NewProtocolError(jsonrpc.CodeInternalError, "internal error")
	}
	_ = s.SendMessage(context.Background(), &jsonrpc.Response{
		ID:    id,
		Error: &jsonrpc.WireError{Code: perr.Code, Message: perr.Message, Data: perr.Data},
	})
}

func (s *Session) dispatchNotification(ctx context.Context, n *jsonrpc.Notification) {
	if n.Method == notificationCancelled {
		s.handleCancelled(n.Params)
	}

	s.notifMu.Lock()
	entries := append([]*notificationEntry(nil), s.notificationHandlers[n.Method]...)
	s.notifMu.Unlock()

	for _, e := range entries {
		e.wg.Add(1)
		go func(e *notificationEntry) {
			defer e.wg.Done()
			hctx := context.WithValue(ctx, notificationEntryKey{}, e)
			if err := e.handler(hctx, s, n.Params); err != nil {
				slog.Error("mcp: notification handler failed", "method", n.Method, "error", err)
			}
		}(e)
	}
}

// handleCancelled triggers the cancellation source for the referenced
// inbound request, if one is still in flight. Malformed payloads (missing
// or unmatched requestId) are silently ignored.
func (s *Session) handleCancelled(params json.RawMessage) {
	var p CancelledParams
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == nil {
		return
	}
	key := normalizeID(p.RequestID)
	s.mu.Lock()
	entry, ok := s.handlingRequests[key]
	s.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// normalizeID maps a requestId decoded from JSON (float64 for numbers, per
// encoding/json) to the same representation used as a pendingRequests /
// handlingRequests key (int64 for numbers), so cancellation lookups match.
func normalizeID(v any) any {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return v
}

// Close disposes the session: the read loop is signalled to stop, every
// remaining pending request is failed, and the underlying transport is
// closed. Close is idempotent.
func (s *Session) Close() error {
	s.shutdown()
	return s.transport.Close()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pendingRequests
		s.pendingRequests = make(map[any]*pendingSlot)
		s.mu.Unlock()
		for _, slot := range pending {
			slot.complete(nil)
		}
		close(s.done)
		s.metrics.ObserveSessionDuration(s.transportKind, time.Since(s.startedAt))
	})
}

// ID returns the transport-assigned session identifier, used for telemetry.
func (s *Session) ID() string { return s.id }
