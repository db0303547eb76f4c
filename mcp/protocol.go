// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

// Protocol types for the handshake and session-control surface: the part of
// the MCP wire format the session and endpoint layers own directly.
// Method-specific request/result payloads (tools, prompts, resources,
// sampling, roots, completion) are opaque to this package; they are
// unmarshalled by whatever collaborator is registered for that method name.

// Implementation identifies a client or server by name and version, as
// exchanged during initialize.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// RootCapabilities describes a client's support for the roots/* methods.
type RootCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapabilities describes a client's support for sampling/createMessage.
type SamplingCapabilities struct{}

// ElicitationCapabilities describes a client's support for elicitation/create.
type ElicitationCapabilities struct{}

// ClientCapabilities declares what a client supports. Unknown capabilities
// may be added by either side via Experimental without a schema change here.
type ClientCapabilities struct {
	Experimental map[string]any           `json:"experimental,omitempty"`
	Roots        *RootCapabilities        `json:"roots,omitempty"`
	Sampling     *SamplingCapabilities    `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapabilities `json:"elicitation,omitempty"`
}

// CompletionCapabilities describes server support for completion/complete.
type CompletionCapabilities struct{}

// LoggingCapabilities describes server support for logging/setLevel.
type LoggingCapabilities struct{}

// PromptCapabilities describes server support for prompts/*.
type PromptCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourceCapabilities describes server support for resources/*.
type ResourceCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ToolCapabilities describes server support for tools/*.
type ToolCapabilities struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities declares what a server supports; the endpoint registers
// method handlers only for the methods whose capability is present (§4.4).
type ServerCapabilities struct {
	Experimental map[string]any          `json:"experimental,omitempty"`
	Completions  *CompletionCapabilities `json:"completions,omitempty"`
	Logging      *LoggingCapabilities    `json:"logging,omitempty"`
	Prompts      *PromptCapabilities     `json:"prompts,omitempty"`
	Resources    *ResourceCapabilities   `json:"resources,omitempty"`
	Tools        *ToolCapabilities       `json:"tools,omitempty"`
}

// InitializeParams is sent by the client to open a session.
type InitializeParams struct {
	metaField
	Capabilities    *ClientCapabilities `json:"capabilities"`
	ClientInfo      *Implementation     `json:"clientInfo"`
	ProtocolVersion string              `json:"protocolVersion"`
}

func (x *InitializeParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *InitializeParams) SetProgressToken(t any) { setProgressToken(x, t) }

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	metaField
	Capabilities    *ServerCapabilities `json:"capabilities"`
	Instructions    string              `json:"instructions,omitempty"`
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      *Implementation     `json:"serverInfo"`
}

func (*InitializeResult) isResult() {}

// InitializedParams accompanies the notifications/initialized notification
// the client sends after a successful initialize round-trip.
type InitializedParams struct {
	metaField
}

func (x *InitializedParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *InitializedParams) SetProgressToken(t any) { setProgressToken(x, t) }

// PingParams carries no payload; ping is a liveness check in either direction.
type PingParams struct {
	metaField
}

func (x *PingParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *PingParams) SetProgressToken(t any) { setProgressToken(x, t) }

// PingResult is the empty reply to ping.
type PingResult struct{ metaField }

func (*PingResult) isResult() {}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	metaField
	Reason    string `json:"reason,omitempty"`
	RequestID any    `json:"requestId"`
}

func (x *CancelledParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *CancelledParams) SetProgressToken(t any) { setProgressToken(x, t) }

// ProgressNotificationParams is the payload of notifications/progress.
type ProgressNotificationParams struct {
	metaField
	ProgressToken any     `json:"progressToken"`
	Message       string  `json:"message,omitempty"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitempty"`
}

func (x *ProgressNotificationParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *ProgressNotificationParams) SetProgressToken(t any) { setProgressToken(x, t) }

// LoggingLevel mirrors RFC 5424 severity levels as used by logging/setLevel
// and notifications/message.
type LoggingLevel string

const (
	LoggingLevelDebug     LoggingLevel = "debug"
	LoggingLevelInfo      LoggingLevel = "info"
	LoggingLevelNotice    LoggingLevel = "notice"
	LoggingLevelWarning   LoggingLevel = "warning"
	LoggingLevelError     LoggingLevel = "error"
	LoggingLevelCritical  LoggingLevel = "critical"
	LoggingLevelAlert     LoggingLevel = "alert"
	LoggingLevelEmergency LoggingLevel = "emergency"
)

// SetLoggingLevelParams is the payload of logging/setLevel.
type SetLoggingLevelParams struct {
	metaField
	Level LoggingLevel `json:"level"`
}

func (x *SetLoggingLevelParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *SetLoggingLevelParams) SetProgressToken(t any) { setProgressToken(x, t) }

// LoggingMessageParams is the payload of notifications/message.
type LoggingMessageParams struct {
	metaField
	Data   any          `json:"data"`
	Level  LoggingLevel `json:"level"`
	Logger string       `json:"logger,omitempty"`
}

func (x *LoggingMessageParams) GetProgressToken() any  { return getProgressToken(x) }
func (x *LoggingMessageParams) SetProgressToken(t any) { setProgressToken(x, t) }

// Method and notification names the session and endpoint dispatch on.
const (
	methodInitialize           = "initialize"
	notificationInitialized    = "notifications/initialized"
	methodPing                 = "ping"
	notificationCancelled      = "notifications/cancelled"
	notificationProgress       = "notifications/progress"
	methodSetLevel             = "logging/setLevel"
	notificationLoggingMessage = "notifications/message"

	// Method surface the server endpoint may register handlers for when the
	// corresponding capability is declared (§4.4). The handlers themselves
	// are external collaborators (§6); this package does not implement
	// tool/prompt/resource semantics.
	methodListTools             = "tools/list"
	methodCallTool               = "tools/call"
	methodListPrompts            = "prompts/list"
	methodGetPrompt              = "prompts/get"
	methodListResources          = "resources/list"
	methodReadResource           = "resources/read"
	methodSubscribe              = "resources/subscribe"
	methodUnsubscribe            = "resources/unsubscribe"
	methodListResourceTemplates  = "resources/templates/list"
	methodComplete                = "completion/complete"
)
