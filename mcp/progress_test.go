// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
)

func TestProgressSinkReportsNotification(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	received := make(chan *ProgressNotificationParams, 1)
	client.RegisterNotificationHandler("notifications/progress", func(ctx context.Context, s *Session, params json.RawMessage) error {
		var p ProgressNotificationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return err
		}
		received <- &p
		return nil
	})

	server.RegisterRequestHandler("longRunning", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		sink := s.ProgressSinkFor(params)
		if err := sink.Report(ctx, "halfway", 0.5, 1); err != nil {
			return nil, err
		}
		return emptyResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	meta, _ := jsonrpc.SetMeta(nil, jsonrpc.Meta{ProgressToken: "tok-1"})
	if _, err := client.SendRequest(ctx, "longRunning", meta); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case p := <-received:
		if p.ProgressToken != "tok-1" || p.Message != "halfway" || p.Progress != 0.5 {
			t.Fatalf("got %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no progress notification received")
	}
}

func TestProgressSinkNoopWithoutToken(t *testing.T) {
	client, server, stop := newLinkedSessions(t)
	defer stop()

	server.RegisterRequestHandler("noProgress", func(ctx context.Context, s *Session, params json.RawMessage) (Result, error) {
		sink := s.ProgressSinkFor(params)
		if err := sink.Report(ctx, "should be a no-op", 1, 1); err != nil {
			return nil, err
		}
		return emptyResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.SendRequest(ctx, "noProgress", nil); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
}
