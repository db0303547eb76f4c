// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"testing"
)

func TestWriteEventScanEventsRoundTrip(t *testing.T) {
	events := []sseEvent{
		{ID: "0_0", Data: `{"jsonrpc":"2.0","id":1,"result":{}}`},
		{ID: "0_1", Data: "line one\nline two"},
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if err := writeEvent(&buf, ev); err != nil {
			t.Fatalf("writeEvent: %v", err)
		}
	}

	var got []sseEvent
	if err := scanEvents(&buf, func(ev sseEvent) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("scanEvents: %v", err)
	}

	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	for i, ev := range got {
		if ev.ID != events[i].ID || ev.Data != events[i].Data || ev.Name != "message" {
			t.Fatalf("event %d: got %+v, want data/id matching %+v with Name=message", i, ev, events[i])
		}
	}
}

func TestFormatParseEventID(t *testing.T) {
	sid, idx, ok := parseEventID(formatEventID(streamID(7), 42))
	if !ok {
		t.Fatal("parseEventID failed to parse a value formatEventID produced")
	}
	if sid != streamID(7) || idx != 42 {
		t.Fatalf("got sid=%d idx=%d, want 7/42", sid, idx)
	}
}

func TestParseEventIDRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "noUnderscore", "abc_def", "1_", "_1"} {
		if _, _, ok := parseEventID(bad); ok {
			t.Fatalf("parseEventID(%q) unexpectedly succeeded", bad)
		}
	}
}
