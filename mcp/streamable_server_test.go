// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
	"golang.org/x/time/rate"
)

func testServerFactory() func(*http.Request) *Server {
	return func(r *http.Request) *Server {
		return NewServer(&Implementation{Name: "streamable-test-server", Version: "0.0.1"}, &ServerCapabilities{})
	}
}

// doRPC POSTs a single JSON-RPC request to srv and returns the HTTP response
// plus the decoded reply, if the body carried an SSE event.
func doRPC(t *testing.T, url, sessionID string, req *jsonrpc.Request) (*http.Response, *jsonrpc.Response) {
	t.Helper()
	body, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		httpReq.Header.Set(sessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	var respMsg *jsonrpc.Response
	_ = scanEvents(resp.Body, func(ev sseEvent) error {
		m, err := jsonrpc.DecodeMessage([]byte(ev.Data))
		if err != nil {
			return nil
		}
		if r, ok := m.(*jsonrpc.Response); ok {
			respMsg = r
		}
		return nil
	})
	return resp, respMsg
}

func initializeRequest() *jsonrpc.Request {
	p := &InitializeParams{
		Capabilities:    &ClientCapabilities{},
		ClientInfo:      &Implementation{Name: "test-client", Version: "1.0"},
		ProtocolVersion: latestProtocolVersion,
	}
	params, _ := json.Marshal(p)
	return &jsonrpc.Request{ID: jsonrpc.Int64ID(1), Method: "initialize", Params: params}
}

// zeroLimiter never permits a request, exercising the 429 admission-control
// path without racing a real token refill interval.
func zeroLimiter() *rate.Limiter {
	return rate.NewLimiter(0, 0)
}

func TestStreamableHTTPHandler_InitializePingDelete(t *testing.T) {
	handler := NewStreamableHTTPHandler(testServerFactory(), SessionRegistryOptions{SweepInterval: time.Hour})
	defer handler.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, reply := doRPC(t, ts.URL, "", initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize response carried no Mcp-Session-Id header")
	}
	if reply == nil || reply.Error != nil {
		t.Fatalf("initialize reply = %+v", reply)
	}

	// ping, reusing the established session.
	pingReq := &jsonrpc.Request{ID: jsonrpc.Int64ID(2), Method: "ping"}
	resp2, reply2 := doRPC(t, ts.URL, sessID, pingReq)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", resp2.StatusCode)
	}
	if reply2 == nil || reply2.Error != nil {
		t.Fatalf("ping reply = %+v", reply2)
	}

	// DELETE tears the session down.
	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	delReq.Header.Set(sessionIDHeader, sessID)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", delResp.StatusCode)
	}

	// A further POST against the now-deleted session id is 404.
	resp3, _ := doRPC(t, ts.URL, sessID, &jsonrpc.Request{ID: jsonrpc.Int64ID(3), Method: "ping"})
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("post-DELETE ping status = %d, want 404", resp3.StatusCode)
	}
}

func TestStreamableHTTPHandler_RequiresAcceptHeader(t *testing.T) {
	handler := NewStreamableHTTPHandler(testServerFactory(), SessionRegistryOptions{SweepInterval: time.Hour})
	defer handler.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	body, _ := jsonrpc.EncodeMessage(initializeRequest())
	req, _ := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

func TestStreamableHTTPHandler_UnknownSessionIs404(t *testing.T) {
	handler := NewStreamableHTTPHandler(testServerFactory(), SessionRegistryOptions{SweepInterval: time.Hour})
	defer handler.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, _ := doRPC(t, ts.URL, "does-not-exist", &jsonrpc.Request{ID: jsonrpc.Int64ID(1), Method: "ping"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// TestStreamableHTTPHandler_ClaimStickiness verifies §8 property 6: a
// session created under one authenticated principal rejects a later request
// presenting a different principal.
func TestStreamableHTTPHandler_ClaimStickiness(t *testing.T) {
	callerID := "alice"
	handler := NewStreamableHTTPHandler(testServerFactory(), SessionRegistryOptions{SweepInterval: time.Hour})
	handler.AuthenticatedUserIDClaim = func(r *http.Request) *UserIDClaim {
		return &UserIDClaim{Type: "test", Value: callerID}
	}
	defer handler.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, _ := doRPC(t, ts.URL, "", initializeRequest())
	sessID := resp.Header.Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("no session id returned")
	}

	callerID = "bob"
	resp2, _ := doRPC(t, ts.URL, sessID, &jsonrpc.Request{ID: jsonrpc.Int64ID(2), Method: "ping"})
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 for a mismatched principal", resp2.StatusCode)
	}
}

func TestStreamableHTTPHandler_RateLimited(t *testing.T) {
	handler := NewStreamableHTTPHandler(testServerFactory(), SessionRegistryOptions{SweepInterval: time.Hour})
	handler.Limiter = zeroLimiter()
	defer handler.Close()
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, _ := doRPC(t, ts.URL, "", initializeRequest())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

func TestStatelessStreamableHTTPHandler_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x7a}, 32)
	protector, err := NewAESGCMProtector(key)
	if err != nil {
		t.Fatalf("NewAESGCMProtector: %v", err)
	}
	handler := NewStatelessStreamableHTTPHandler(testServerFactory(), protector)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, reply := doRPC(t, ts.URL, "", initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	if reply == nil || reply.Error != nil {
		t.Fatalf("initialize reply = %+v", reply)
	}
	sessID := resp.Header.Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("stateless initialize returned no Mcp-Session-Id")
	}

	resp2, reply2 := doRPC(t, ts.URL, sessID, &jsonrpc.Request{ID: jsonrpc.Int64ID(2), Method: "ping"})
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("stateless ping status = %d", resp2.StatusCode)
	}
	if reply2 == nil || reply2.Error != nil {
		t.Fatalf("stateless ping reply = %+v", reply2)
	}

	// GET and DELETE are unavailable in stateless mode.
	getReq, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	getReq.Header.Set(sessionIDHeader, sessID)
	getReq.Header.Set("Accept", "text/event-stream")
	getResp, err := http.DefaultClient.Do(getReq)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("stateless GET status = %d, want 405", getResp.StatusCode)
	}
}

// TestStatelessStreamableHTTPHandler_TamperedSessionIs404 verifies a
// corrupted stateless session id is rejected as session-not-found rather
// than silently accepted with garbage state.
func TestStatelessStreamableHTTPHandler_TamperedSessionIs404(t *testing.T) {
	key := bytes.Repeat([]byte{0x7b}, 32)
	protector, err := NewAESGCMProtector(key)
	if err != nil {
		t.Fatalf("NewAESGCMProtector: %v", err)
	}
	handler := NewStatelessStreamableHTTPHandler(testServerFactory(), protector)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, _ := doRPC(t, ts.URL, "", initializeRequest())
	sessID := resp.Header.Get(sessionIDHeader)
	tamperedBytes := []byte(sessID)
	last := tamperedBytes[len(tamperedBytes)-1]
	if last == 'x' {
		tamperedBytes[len(tamperedBytes)-1] = 'y'
	} else {
		tamperedBytes[len(tamperedBytes)-1] = 'x'
	}
	tampered := string(tamperedBytes)

	resp2, _ := doRPC(t, ts.URL, tampered, &jsonrpc.Request{ID: jsonrpc.Int64ID(2), Method: "ping"})
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("tampered stateless session status = %d, want 404", resp2.StatusCode)
	}
}
