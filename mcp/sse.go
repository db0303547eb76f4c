// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements C8: a minimal Server-Sent Events framer and parser.
// Only the `id:`, `event:` and `data:` fields are produced or consumed;
// everything else in the text/event-stream grammar (comments, `retry:`) is
// accepted by the parser and ignored, matching the wire contract this
// runtime actually exercises.

package mcp

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// sseEvent is one SSE event: a default event type of "message" is assumed
// by both ends when Name is empty, per §4.5.
type sseEvent struct {
	ID   string
	Name string
	Data string
}

// writeEvent serializes ev as `event: <name>\ndata: <line>\n...\n\n`
// (preceded by `id: <id>\n` when ev.ID is set),
// splitting multi-line data into multiple `data:` fields as the SSE
// grammar requires, and flushes immediately so the client observes each
// event without buffering delay.
func writeEvent(w io.Writer, ev sseEvent) error {
	var b strings.Builder
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	name := ev.Name
	if name == "" {
		name = "message"
	}
	fmt.Fprintf(&b, "event: %s\n", name)
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return err
}

type flusher interface{ Flush() }

// scanEvents reads successive SSE events from r, invoking handle for each
// complete event (separated by a blank line). Lines before the first event
// boundary that carry no recognized field are ignored, as are fields other
// than `event:`/`data:`/`id:`. A missing `event:` line defaults the event's
// Name to "message", matching writeEvent's own default.
func scanEvents(r io.Reader, handle func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur sseEvent
	var dataLines []string
	haveEvent := false

	flush := func() error {
		if !haveEvent {
			return nil
		}
		cur.Data = strings.Join(dataLines, "\n")
		err := handle(cur)
		cur = sseEvent{}
		dataLines = nil
		haveEvent = false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			haveEvent = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			haveEvent = true
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			haveEvent = true
		default:
			// Comment or unrecognized field; ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// formatEventID builds the resumption id for the idx-th message written to
// stream sid, in the form "<streamID>_<idx>".
func formatEventID(sid streamID, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

// parseEventID is the inverse of formatEventID, used to resume a stream
// from a client-supplied Last-Event-ID.
func parseEventID(id string) (sid streamID, idx int, ok bool) {
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var s, i int64
	if _, err := fmt.Sscanf(parts[0], "%d", &s); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &i); err != nil {
		return 0, 0, false
	}
	return streamID(s), int(i), true
}
