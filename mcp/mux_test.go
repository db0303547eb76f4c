// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
)

// pipeConn is an in-memory Connection backed by unbuffered channels, used to
// drive a Session without any real transport. Messages written by one side
// are read by whatever is wired to the other end of the pipe.
type pipeConn struct {
	id      string
	in      chan jsonrpc.Message
	out     chan jsonrpc.Message
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

func newPipePair(idA, idB string) (*pipeConn, *pipeConn) {
	ab := make(chan jsonrpc.Message, 16)
	ba := make(chan jsonrpc.Message, 16)
	a := &pipeConn{id: idA, in: ba, out: ab, closeCh: make(chan struct{})}
	b := &pipeConn{id: idB, in: ab, out: ba, closeCh: make(chan struct{})}
	return a, b
}

func (c *pipeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-c.closeCh:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	return nil
}

func (c *pipeConn) SessionID() string { return c.id }

// newLinkedSessions returns two Sessions wired to each other's Connection
// and starts both read loops, returning a cancel func that stops them.
func newLinkedSessions(t *testing.T) (client, server *Session, stop func()) {
	t.Helper()
	ca, cb := newPipePair("client", "server")
	client = NewSession(RoleClient, TransportStream, ca)
	server = NewSession(RoleServer, TransportStream, cb)
	ctx, cancel := context.WithCancel(context.Background())
	go client.ProcessMessages(ctx)
	go server.ProcessMessages(ctx)
	return client, server, func() {
		cancel()
		client.Close()
		server.Close()
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	server.RegisterRequestHandler("double", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		return NewRawResult(n * 2)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	params, _ := json.Marshal(21)
	res, err := client.SendRequest(ctx, "double", params)
	if err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	var got int
	if err := json.Unmarshal(res, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestSendRequestMethodNotFound(t *testing.T) {
	client, _, stop := newLinkedSessions(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "no/such/method", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %T: %v", err, err)
	}
	if perr.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("got code %d, want %d", perr.Code, jsonrpc.CodeMethodNotFound)
	}
}

func TestSendRequestProtocolError(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	server.RegisterRequestHandler("fail", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		return nil, NewProtocolError(-32010, "deliberate failure")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "fail", nil)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want *ProtocolError, got %T: %v", err, err)
	}
	if perr.Code != -32010 || perr.Message != "deliberate failure" {
		t.Fatalf("got %+v", perr)
	}
}

// TestSendRequestCancellationSendsNotification verifies testable property 3:
// a cancellation notification is only ever sent after the original request
// has actually been written, and client.SendRequest reports a CancelledError
// to its own caller.
func TestSendRequestCancellationSendsNotification(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	handlerStarted := make(chan struct{})
	handlerCtxDone := make(chan struct{})
	server.RegisterRequestHandler("slow", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		close(handlerStarted)
		<-ctx.Done()
		close(handlerCtxDone)
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, "slow", nil)
		done <- err
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	cancel()

	select {
	case err := <-done:
		var cerr *CancelledError
		if !errors.As(err, &cerr) {
			t.Fatalf("want *CancelledError, got %T: %v", err, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest never returned after cancellation")
	}

	select {
	case <-handlerCtxDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server-side handler context was never cancelled")
	}
}

// TestMonotoneOutboundIDs verifies testable property 2: successive
// SendRequest calls on one Session use strictly increasing integer ids.
func TestMonotoneOutboundIDs(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	server.RegisterRequestHandler("noop", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		return emptyResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var lastID int64
	for i := 0; i < 5; i++ {
		before := client.lastOutboundID.Load()
		if _, err := client.SendRequest(ctx, "noop", nil); err != nil {
			t.Fatalf("SendRequest %d failed: %v", i, err)
		}
		after := client.lastOutboundID.Load()
		if after != before+1 {
			t.Fatalf("iteration %d: id went from %d to %d, want +1", i, before, after)
		}
		if after <= lastID {
			t.Fatalf("iteration %d: id %d not greater than previous %d", i, after, lastID)
		}
		lastID = after
	}
}

// TestSessionCloseFailsPendingRequests verifies that Close (shutdown)
// unblocks every outstanding SendRequest with an error (a TransportError
// reporting that the peer shut down), rather than leaking goroutines.
func TestSessionCloseFailsPendingRequests(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	block := make(chan struct{})
	server.RegisterRequestHandler("block", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		<-block
		return &emptyResult{}, nil
	})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "block", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("want an error after Close, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest never returned after session Close")
	}
}

// TestCloseIsIdempotent verifies disposal idempotence: calling Close twice
// must not panic or double-close the underlying transport.
func TestCloseIsIdempotent(t *testing.T) {
	client, _, stop := newLinkedSessions(t)
	defer stop()

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNotificationHandlerUnregister(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	received := make(chan string, 4)
	unregister := client.RegisterNotificationHandler("note", func(ctx context.Context, s *Session, params json.RawMessage) error {
		received <- "got it"
		return nil
	})

	notify := func() {
		_ = server.SendMessage(context.Background(), &jsonrpc.Notification{Method: "note"})
	}

	notify()
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}

	unregister(context.Background())
	notify()
	select {
	case <-received:
		t.Fatal("notification delivered after unregister")
	case <-time.After(200 * time.Millisecond):
	}
}
