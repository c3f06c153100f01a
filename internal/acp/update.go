// ABOUTME: Closed set of session/update shapes decoded once at the connection boundary
// ABOUTME: Unknown update kinds decode to UnknownUpdate instead of failing

package acp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mauromedda/acp-bridge/internal/log"
)

// Tool call statuses reported by the agent.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
	ToolStatusCancelled  = "cancelled"
)

// SessionUpdate is one of AgentMessageChunk, AgentThoughtChunk, ToolCall,
// ToolCallUpdate, Plan, UsageUpdate, or UnknownUpdate.
type SessionUpdate interface {
	sessionUpdate()
}

// AgentMessageChunk is a piece of the agent's visible reply.
type AgentMessageChunk struct {
	Text string
}

// AgentThoughtChunk is a piece of the agent's reasoning.
type AgentThoughtChunk struct {
	Text string
}

// ToolCall announces a tool invocation.
type ToolCall struct {
	ID     string
	Title  string
	Kind   string
	Status string
}

// ToolCallUpdate reports progress or completion of a tool invocation.
type ToolCallUpdate struct {
	ID     string
	Title  string
	Status string
	Output string
}

// Terminal reports whether the update closes out the tool call.
func (u ToolCallUpdate) Terminal() bool {
	switch u.Status {
	case ToolStatusCompleted, ToolStatusFailed, ToolStatusCancelled:
		return true
	}
	return false
}

// PlanEntry is one line of the agent's plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Plan replaces the agent's current plan.
type Plan struct {
	Entries []PlanEntry
}

// UsageUpdate reports the cost of one model round.
type UsageUpdate struct {
	CostUSD float64
}

// UnknownUpdate preserves an update kind this bridge does not understand.
type UnknownUpdate struct {
	Kind string
	Raw  json.RawMessage
}

func (AgentMessageChunk) sessionUpdate() {}
func (AgentThoughtChunk) sessionUpdate() {}
func (ToolCall) sessionUpdate()          {}
func (ToolCallUpdate) sessionUpdate()    {}
func (Plan) sessionUpdate()              {}
func (UsageUpdate) sessionUpdate()       {}
func (UnknownUpdate) sessionUpdate()     {}

// SessionNotification is a decoded session/update notification.
type SessionNotification struct {
	SessionID string
	Update    SessionUpdate
}

type contentBlock struct {
	Type    string        `json:"type"`
	Text    string        `json:"text,omitempty"`
	Content *contentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
}

type rawUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
	Entries       []PlanEntry     `json:"entries,omitempty"`
	Cost          *struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	} `json:"cost,omitempty"`
}

// DecodeSessionUpdate decodes the params of a session/update notification.
func DecodeSessionUpdate(params json.RawMessage) (SessionNotification, error) {
	var envelope struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return SessionNotification{}, fmt.Errorf("decoding session/update: %w", err)
	}
	if len(envelope.Update) == 0 {
		return SessionNotification{}, fmt.Errorf("session/update without update")
	}

	var raw rawUpdate
	if err := json.Unmarshal(envelope.Update, &raw); err != nil {
		return SessionNotification{}, fmt.Errorf("decoding update body: %w", err)
	}

	n := SessionNotification{SessionID: envelope.SessionID}
	switch raw.SessionUpdate {
	case "agent_message_chunk":
		n.Update = AgentMessageChunk{Text: chunkText(raw.Content)}
	case "agent_thought_chunk":
		n.Update = AgentThoughtChunk{Text: chunkText(raw.Content)}
	case "tool_call":
		n.Update = ToolCall{
			ID:     raw.ToolCallID,
			Title:  raw.Title,
			Kind:   raw.Kind,
			Status: raw.Status,
		}
	case "tool_call_update":
		n.Update = ToolCallUpdate{
			ID:     raw.ToolCallID,
			Title:  raw.Title,
			Status: raw.Status,
			Output: toolOutput(raw.Content, raw.RawOutput),
		}
	case "plan":
		n.Update = Plan{Entries: raw.Entries}
	case "usage_update":
		u := UsageUpdate{}
		if raw.Cost != nil {
			u.CostUSD = raw.Cost.Amount
		}
		n.Update = u
	default:
		n.Update = UnknownUpdate{Kind: raw.SessionUpdate, Raw: envelope.Update}
	}
	return n, nil
}

// chunkText extracts the text of a single content block.
func chunkText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var block contentBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return ""
	}
	return block.Text
}

// toolOutput flattens tool call content blocks into display text, falling
// back to rawOutput when no text content is present.
func toolOutput(content, rawOutput json.RawMessage) string {
	var blocks []contentBlock
	if len(content) > 0 && string(content) != "null" {
		if err := json.Unmarshal(content, &blocks); err != nil {
			log.Debug("acp: ignoring malformed tool content: %v", err)
		}
	}

	var parts []string
	for _, b := range blocks {
		switch {
		case b.Type == "content" && b.Content != nil && b.Content.Text != "":
			parts = append(parts, b.Content.Text)
		case b.Type == "text" && b.Text != "":
			parts = append(parts, b.Text)
		case b.Type == "diff" && b.Path != "":
			parts = append(parts, "diff: "+b.Path)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}

	if len(rawOutput) == 0 || string(rawOutput) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(rawOutput, &s); err == nil {
		return s
	}
	return string(rawOutput)
}
