// ABOUTME: Inbound host messages and outbound host events of the newline-delimited JSON protocol
// ABOUTME: Each outbound event has a constructor that fixes its "type" discriminator

package host

import (
	"encoding/json"
)

// Inbound message types.
const (
	TypeQuery        = "query"
	TypeToolResult   = "tool_result"
	TypeInterrupt    = "interrupt"
	TypeAuthenticate = "authenticate"
	TypeStop         = "stop"
)

// Inbound is the union of every message the host sends.
type Inbound struct {
	Type         string          `json:"type"`
	Prompt       string          `json:"prompt,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	CallID       string          `json:"callId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	MethodID     string          `json:"methodId,omitempty"`
}

// ResultText renders a tool_result payload as the text handed to the agent.
// Strings pass through unquoted; any other JSON value is kept as JSON text.
func ResultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Event is an outbound message to the host.
type Event interface {
	EventType() string
}

// AuthMethod is an authentication option shown to the host.
type AuthMethod struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"displayName"`
}

// InitEvent announces the session serving the current query.
type InitEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// AuthRequiredEvent lists the methods the host may choose from.
type AuthRequiredEvent struct {
	Type    string       `json:"type"`
	Methods []AuthMethod `json:"methods"`
}

// AuthURLEvent carries the authorization URL for the host to open.
type AuthURLEvent struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// AuthSuccessEvent reports a completed authentication.
type AuthSuccessEvent struct {
	Type string `json:"type"`
}

// TextDeltaEvent streams a piece of the agent's reply.
type TextDeltaEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ThinkingDeltaEvent streams a piece of reasoning or a plan entry.
type ThinkingDeltaEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool activity statuses.
const (
	ToolStarted   = "started"
	ToolCompleted = "completed"
)

// ToolActivityEvent reports a tool starting or completing.
type ToolActivityEvent struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	ToolUseID string `json:"toolUseId,omitempty"`
}

// ToolResultDisplayEvent carries a (possibly truncated) tool output for display.
type ToolResultDisplayEvent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Output    string `json:"output"`
}

// ResultEvent terminates a query successfully or after an interrupt.
type ResultEvent struct {
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	SessionID string  `json:"sessionId"`
	CostUSD   float64 `json:"costUsd"`
}

// ErrorEvent terminates a query with a failure.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolUseEvent asks the host to run a relay tool (event-stream channel).
type ToolUseEvent struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

func (e InitEvent) EventType() string              { return e.Type }
func (e AuthRequiredEvent) EventType() string      { return e.Type }
func (e AuthURLEvent) EventType() string           { return e.Type }
func (e AuthSuccessEvent) EventType() string       { return e.Type }
func (e TextDeltaEvent) EventType() string         { return e.Type }
func (e ThinkingDeltaEvent) EventType() string     { return e.Type }
func (e ToolActivityEvent) EventType() string      { return e.Type }
func (e ToolResultDisplayEvent) EventType() string { return e.Type }
func (e ResultEvent) EventType() string            { return e.Type }
func (e ErrorEvent) EventType() string             { return e.Type }
func (e ToolUseEvent) EventType() string           { return e.Type }

func Init(sessionID string) Event { return InitEvent{Type: "init", SessionID: sessionID} }

func AuthRequired(methods []AuthMethod) Event {
	if methods == nil {
		methods = []AuthMethod{}
	}
	return AuthRequiredEvent{Type: "auth_required", Methods: methods}
}

func AuthURL(u string) Event   { return AuthURLEvent{Type: "auth_url", URL: u} }
func AuthSuccess() Event       { return AuthSuccessEvent{Type: "auth_success"} }
func TextDelta(s string) Event { return TextDeltaEvent{Type: "text_delta", Text: s} }

func ThinkingDelta(s string) Event { return ThinkingDeltaEvent{Type: "thinking_delta", Text: s} }

func ToolActivity(name, status, toolUseID string) Event {
	return ToolActivityEvent{Type: "tool_activity", Name: name, Status: status, ToolUseID: toolUseID}
}

func ToolResultDisplay(toolUseID, name, output string) Event {
	return ToolResultDisplayEvent{Type: "tool_result_display", ToolUseID: toolUseID, Name: name, Output: output}
}

func Result(text, sessionID string, costUSD float64) Event {
	return ResultEvent{Type: "result", Text: text, SessionID: sessionID, CostUSD: costUSD}
}

func Error(message string) Event { return ErrorEvent{Type: "error", Message: message} }

func ToolUse(callID, name string, input json.RawMessage) Event {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ToolUseEvent{Type: "tool_use", CallID: callID, Name: name, Input: input}
}
