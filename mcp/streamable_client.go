// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the client side of C5: a Transport that drives a
// remote StreamableHTTPHandler over POST/GET/DELETE, the counterpart to
// streamable_server.go.

package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcprt/runtime/auth"
	"github.com/mcprt/runtime/jsonrpc"
)

// StreamableClientTransport is a Transport that speaks the Streamable HTTP
// protocol of C5 against a remote endpoint: every outbound message is a
// POST, and the session's at-most-one push stream is a long-lived GET.
type StreamableClientTransport struct {
	url  string
	opts StreamableClientTransportOptions
}

// StreamableClientTransportOptions configures NewStreamableClientTransport.
type StreamableClientTransportOptions struct {
	// HTTPClient is the client used for every request. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// OAuthHandler, if set, supplies a bearer token for every request and is
	// given a chance to re-authorize on a 401 response (§6).
	OAuthHandler auth.OAuthHandler
}

// NewStreamableClientTransport returns a transport that connects to the
// Streamable HTTP endpoint at url.
func NewStreamableClientTransport(url string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{url: url}
	if opts != nil {
		t.opts = *opts
	}
	if t.opts.HTTPClient == nil {
		t.opts.HTTPClient = http.DefaultClient
	}
	return t
}

// Connect implements Transport.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	c := &streamableClientConn{
		url:      t.url,
		client:   t.opts.HTTPClient,
		oauth:    t.opts.OAuthHandler,
		incoming: make(chan jsonrpc.Message, 64),
		done:     make(chan struct{}),
	}
	return c, nil
}

// streamableClientConn is the Connection returned by
// StreamableClientTransport.Connect. Write issues one POST per outbound
// message and drains its SSE response onto incoming; once a session id is
// known, a background goroutine holds the session's one permitted GET
// stream open to receive server-initiated traffic.
type streamableClientConn struct {
	url    string
	client *http.Client
	oauth  auth.OAuthHandler

	sessionID atomic.Value // string

	incoming chan jsonrpc.Message

	writeMu sync.Mutex

	done chan struct{}

	closeOnce  sync.Once
	getOnce    sync.Once
	getCancel  context.CancelFunc
	getStopped chan struct{}
}

func (c *streamableClientConn) SessionID() string {
	v, _ := c.sessionID.Load().(string)
	return v
}

func (c *streamableClientConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.EOF
	case m := <-c.incoming:
		return m, nil
	}
}

func (c *streamableClientConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}

	resp, err := c.postWithAuth(ctx, data)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(sessionIDHeader); id != "" && c.SessionID() == "" {
		c.sessionID.Store(id)
		c.startGET()
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusOK:
		return c.consumeSSE(resp.Body)
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return &TransportError{Op: "write", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
}

// postWithAuth issues the POST, retrying exactly once via c.oauth.Authorize
// if the first attempt comes back 401 (§6).
func (c *streamableClientConn) postWithAuth(ctx context.Context, body []byte) (*http.Response, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.oauth != nil {
		if authErr := c.oauth.Authorize(ctx, resp.Request, resp); authErr != nil {
			resp.Body.Close()
			return nil, authErr
		}
		resp.Body.Close()
		return c.post(ctx, body)
	}
	return resp, nil
}

func (c *streamableClientConn) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setSessionAndAuthHeaders(ctx, req)
	return c.client.Do(req)
}

func (c *streamableClientConn) setSessionAndAuthHeaders(ctx context.Context, req *http.Request) {
	if id := c.SessionID(); id != "" {
		req.Header.Set(sessionIDHeader, id)
	}
	if c.oauth == nil {
		return
	}
	ts, err := c.oauth.TokenSource(ctx)
	if err != nil || ts == nil {
		return
	}
	tok, err := ts.Token()
	if err != nil {
		return
	}
	req.Header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
}

// consumeSSE decodes every event in body as a jsonrpc.Message and delivers
// it to incoming. The server closes the response once it has written
// everything available for this POST (streamable_server.go's writeReplies),
// so this drains to completion rather than blocking indefinitely.
func (c *streamableClientConn) consumeSSE(body io.Reader) error {
	return scanEvents(body, func(ev sseEvent) error {
		msg, err := jsonrpc.DecodeMessage([]byte(ev.Data))
		if err != nil {
			return err
		}
		select {
		case c.incoming <- msg:
			return nil
		case <-c.done:
			return ErrTransportClosed
		}
	})
}

// startGET opens the session's single permitted hanging GET stream (§8
// property 5) to receive server-initiated requests and notifications. It
// runs until the connection is closed, reconnecting on a transient read
// failure.
func (c *streamableClientConn) startGET() {
	c.getOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.getCancel = cancel
		c.getStopped = make(chan struct{})
		go c.runGET(ctx)
	})
}

func (c *streamableClientConn) runGET(ctx context.Context) {
	defer close(c.getStopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		if err := c.attemptGET(ctx); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *streamableClientConn) attemptGET(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setSessionAndAuthHeaders(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp: GET stream: unexpected status %s", resp.Status)
	}
	return c.consumeSSE(resp.Body)
}

// Close issues a DELETE to terminate the logical session (if one was
// established) and stops the GET stream. It is idempotent.
func (c *streamableClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.getCancel != nil {
			c.getCancel()
			<-c.getStopped
		}
		if id := c.SessionID(); id != "" {
			req, err := http.NewRequest(http.MethodDelete, c.url, nil)
			if err == nil {
				c.setSessionAndAuthHeaders(context.Background(), req)
				if resp, err := c.client.Do(req); err == nil {
					resp.Body.Close()
				}
			}
		}
	})
	return nil
}
