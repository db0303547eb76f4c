// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mcprt/runtime/jsonrpc"
)

// ErrNoProgressToken reports that the request being handled carried no
// progressToken in its `_meta`. Nothing in this package returns it:
// ProgressSinkFor binds a no-op sink in that case instead.
var ErrNoProgressToken = errors.New("mcp: no progress token")

// ProgressSink reports progress for one in-flight request. Per §9, it is a
// thin object bound to a (session, progressToken) pair: each Report sends
// one notifications/progress. A no-op sink is used where a handler wants to
// report progress but the request declared no token.
type ProgressSink struct {
	session *Session
	token   any
}

// noopProgressSink is returned when a request has no progress token, so
// handlers can call Report unconditionally without a nil check.
var noopProgressSink = &ProgressSink{}

// Report sends one notifications/progress referencing the bound token. It
// is a no-op, returning nil, if the sink has no token.
func (p *ProgressSink) Report(ctx context.Context, message string, progress, total float64) error {
	if p == nil || p.token == nil {
		return nil
	}
	params := &ProgressNotificationParams{
		Message:       message,
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return p.session.sendProgress(ctx, data)
}

// ProgressSinkFor extracts the progress token from params' `_meta`, if any,
// and returns a sink bound to it. Absent a token, the returned sink's
// Report calls are no-ops that return nil (never ErrNoProgressToken), so
// the two cases are indistinguishable through the sink.
func (s *Session) ProgressSinkFor(params json.RawMessage) *ProgressSink {
	token, ok := progressTokenFromRaw(params)
	if !ok {
		return noopProgressSink
	}
	return &ProgressSink{session: s, token: token}
}

func progressTokenFromRaw(params json.RawMessage) (any, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var wrapper struct {
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(params, &wrapper); err != nil {
		return nil, false
	}
	if wrapper.Meta == nil {
		return nil, false
	}
	tok, ok := wrapper.Meta[progressTokenKey]
	return tok, ok
}

func (s *Session) sendProgress(ctx context.Context, data json.RawMessage) error {
	return s.SendMessage(ctx, &jsonrpc.Notification{Method: notificationProgress, Params: data})
}
