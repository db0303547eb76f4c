// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the telemetry described in §4.3: duration
// histograms per inbound/outbound operation (keyed by method name,
// transport kind, direction, and target) and per-session duration on
// disposal (keyed by transport kind), a span
// per operation carrying the session and request identifiers, and the W3C
// trace-context propagation that lets those spans link across a session's
// peer.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcprt/runtime/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this package's spans to whatever
// TracerProvider the host process has installed; with none installed,
// otel.Tracer returns a no-op tracer and span creation costs nothing.
const instrumentationName = "github.com/mcprt/runtime/mcp"

var tracer = otel.Tracer(instrumentationName)

// Metrics holds the Prometheus collectors shared by every Session created
// from a given Client/Server. The zero value is usable: all methods are
// no-ops until Init is called with a Registerer.
type Metrics struct {
	once              sync.Once
	operationDuration *prometheus.HistogramVec
	sessionDuration   *prometheus.HistogramVec
}

// Init registers this Metrics' collectors with reg. Calling Init more than
// once, or on the zero value before first use, is safe; only the first call
// takes effect.
func (m *Metrics) Init(reg prometheus.Registerer) {
	m.once.Do(func() {
		m.operationDuration = promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcp",
				Name:      "operation_duration_seconds",
				Help:      "Duration of inbound and outbound MCP operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mcp_method_name", "network_transport", "direction", "mcp_target"},
		)
		m.sessionDuration = promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcp",
				Name:      "session_duration_seconds",
				Help:      "Lifetime of an MCP session from creation to disposal.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"network_transport"},
		)
	})
}

func (m *Metrics) ObserveOperation(method string, kind TransportKind, direction, target string, d time.Duration) {
	if m.operationDuration == nil {
		return
	}
	m.operationDuration.WithLabelValues(method, string(kind), direction, target).Observe(d.Seconds())
}

func (m *Metrics) ObserveSessionDuration(kind TransportKind, d time.Duration) {
	if m.sessionDuration == nil {
		return
	}
	m.sessionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// targetName extracts the tool/prompt/resource name or URI a method
// operates on, for metrics and span naming (§4.3's "target name or URI"
// and "method target" display name). Methods this package doesn't
// interpret the payload of report no target.
func targetName(method string, params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	switch method {
	case methodCallTool, methodGetPrompt:
		var p struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(params, &p) == nil {
			return p.Name
		}
	case methodReadResource, methodSubscribe, methodUnsubscribe:
		var p struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(params, &p) == nil {
			return p.URI
		}
	}
	return ""
}

// toolCallIsError reports whether a tools/call result's top-level isError
// field is true, the condition §4.3 requires a span be marked
// error.type=tool_error for. Every other method's result is opaque to this
// package and never reports a tool error.
func toolCallIsError(method string, result json.RawMessage) bool {
	if method != methodCallTool || len(result) == 0 {
		return false
	}
	var r struct {
		IsError bool `json:"isError"`
	}
	if json.Unmarshal(result, &r) != nil {
		return false
	}
	return r.IsError
}

// startSpan begins the span for one inbound or outbound operation, named by
// method alone or, when a target is known, "method target" per §4.3.
func startSpan(ctx context.Context, sessionID, method, target string) (context.Context, trace.Span) {
	name := method
	if target != "" {
		name = method + " " + target
	}
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mcp.method.name", method),
		attribute.String("mcp.session.id", sessionID),
	))
}

// endSpan finalizes span with the outcome of the operation it was started
// for: the request id, any error the handler or peer produced, and whether
// a tools/call result reported isError.
func endSpan(span trace.Span, requestID any, err error, toolError bool) {
	if requestID != nil {
		span.SetAttributes(attribute.String("mcp.request.id", fmt.Sprint(requestID)))
	}
	switch {
	case toolError:
		span.SetAttributes(attribute.String("error.type", "tool_error"))
		span.SetStatus(codes.Error, "tool call reported isError")
	case err != nil:
		span.SetAttributes(attribute.String("error.type", errorType(err)))
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// errorType classifies err for the span's error.type attribute.
func errorType(err error) string {
	switch err.(type) {
	case *ProtocolError:
		return "protocol_error"
	case *CancelledError:
		return "cancelled"
	case *TransportError:
		return "transport_error"
	default:
		return "internal_error"
	}
}

// metaCarrier adapts a jsonrpc.Meta's Traceparent/Tracestate fields to
// propagation.TextMapCarrier, so the W3C trace-context propagator required
// by §4.1/§4.3 can inject into and extract from `params._meta` instead of
// HTTP headers.
type metaCarrier struct{ meta *jsonrpc.Meta }

func (c metaCarrier) Get(key string) string {
	switch key {
	case "traceparent":
		return c.meta.Traceparent
	case "tracestate":
		return c.meta.Tracestate
	default:
		return ""
	}
}

func (c metaCarrier) Set(key, value string) {
	switch key {
	case "traceparent":
		c.meta.Traceparent = value
	case "tracestate":
		c.meta.Tracestate = value
	}
}

func (c metaCarrier) Keys() []string { return []string{"traceparent", "tracestate"} }

// injectTraceContext writes ctx's span context into meta's
// traceparent/tracestate fields, per §4.3's outbound-request step "inject
// trace context into params._meta".
func injectTraceContext(ctx context.Context, meta *jsonrpc.Meta) {
	otel.GetTextMapPropagator().Inject(ctx, metaCarrier{meta})
}

// extractTraceContext returns ctx augmented with the remote span context
// carried in meta's traceparent/tracestate fields, if any.
func extractTraceContext(ctx context.Context, meta jsonrpc.Meta) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, metaCarrier{&meta})
}
