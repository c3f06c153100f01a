// ABOUTME: Agent protocol client: initialize, session/new, session/prompt, cancel, authenticate
// ABOUTME: Decodes session/update notifications and answers permission requests

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mauromedda/acp-bridge/internal/log"
)

// ProtocolVersion is the agent protocol version this client speaks.
const ProtocolVersion = 1

// Method names.
const (
	MethodInitialize        = "initialize"
	MethodAuthenticate      = "authenticate"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

// AuthMethod describes one way the agent can be authenticated.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// InitializeResult is returned from the initialize handshake.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod    `json:"authMethods,omitempty"`
}

// McpServer is an MCP endpoint the agent should connect to for a session.
type McpServer struct {
	Type    string       `json:"type"`
	Name    string       `json:"name"`
	URL     string       `json:"url"`
	Headers []HTTPHeader `json:"headers"`
}

// HTTPHeader is a name/value pair sent by the agent to an MCP endpoint.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewSessionParams configures session/new.
type NewSessionParams struct {
	Cwd          string
	McpServers   []McpServer
	SystemPrompt string
}

// PromptResult is the response to session/prompt.
type PromptResult struct {
	StopReason string `json:"stopReason"`
	Meta       struct {
		CostUSD *float64 `json:"costUsd,omitempty"`
	} `json:"_meta"`
}

// PermissionOption is one choice offered in a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionRequest is the agent asking whether a tool call may proceed.
type PermissionRequest struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title,omitempty"`
	} `json:"toolCall"`
	Options []PermissionOption `json:"options"`
}

// Client speaks the agent protocol over a Conn.
type Client struct {
	conn *Conn
}

// NewClient creates a client bound to conn.
func NewClient(conn *Conn) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn { return c.conn }

// Initialize performs the protocol handshake. An auth-required error is
// returned as *RPCError; see IsAuthRequired.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientCapabilities": map[string]any{
			"fs":       map[string]bool{"readTextFile": false, "writeTextFile": false},
			"terminal": false,
		},
	}
	raw, err := c.conn.Request(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing initialize result: %w", err)
	}
	return &result, nil
}

// Authenticate asks the agent to authenticate with the given method.
func (c *Client) Authenticate(ctx context.Context, methodID string) error {
	_, err := c.conn.Request(ctx, MethodAuthenticate, map[string]string{"methodId": methodID})
	return err
}

// NewSession creates a session and returns its id.
func (c *Client) NewSession(ctx context.Context, p NewSessionParams) (string, error) {
	servers := p.McpServers
	if servers == nil {
		servers = []McpServer{}
	}
	params := map[string]any{
		"cwd":        p.Cwd,
		"mcpServers": servers,
	}
	if p.SystemPrompt != "" {
		params["_meta"] = map[string]any{
			"systemPrompt": map[string]string{"append": p.SystemPrompt},
		}
	}

	raw, err := c.conn.Request(ctx, MethodSessionNew, params)
	if err != nil {
		return "", err
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parsing session/new result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("session/new returned no sessionId")
	}
	return result.SessionID, nil
}

// Prompt sends a user turn and blocks until the agent finishes it.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (*PromptResult, error) {
	params := map[string]any{
		"sessionId": sessionID,
		"prompt":    []map[string]string{{"type": "text", "text": text}},
	}
	raw, err := c.conn.Request(ctx, MethodSessionPrompt, params)
	if err != nil {
		return nil, err
	}
	var result PromptResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("parsing session/prompt result: %w", err)
		}
	}
	return &result, nil
}

// Cancel asks the agent to stop the current turn of a session.
func (c *Client) Cancel(sessionID string) error {
	return c.conn.Notify(MethodSessionCancel, map[string]string{"sessionId": sessionID})
}

// Attach routes decoded session/update notifications to h until detach is
// called. Any previously attached handler is replaced.
func (c *Client) Attach(h func(SessionNotification)) (detach func()) {
	return c.conn.Attach(func(method string, params json.RawMessage) {
		if method != MethodSessionUpdate {
			log.Debug("acp: ignoring %s notification", method)
			return
		}
		n, err := DecodeSessionUpdate(params)
		if err != nil {
			log.Warn("acp: %v", err)
			return
		}
		h(n)
	})
}

// OnPermission answers session/request_permission with decide's verdict.
// Other agent requests are refused with method-not-found.
func (c *Client) OnPermission(decide func(PermissionRequest) bool) {
	c.conn.HandleRequests(func(_ context.Context, method string, params json.RawMessage) (any, error) {
		if method != MethodRequestPermission {
			return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
		}
		var req PermissionRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		return SelectPermission(req, decide(req)), nil
	})
}

// SelectPermission picks the first option matching the verdict. When no
// option matches, the request is reported as cancelled.
func SelectPermission(req PermissionRequest, allow bool) map[string]any {
	kinds := []string{"reject_once", "reject_always"}
	if allow {
		kinds = []string{"allow_once", "allow_always"}
	}
	for _, kind := range kinds {
		for _, opt := range req.Options {
			if opt.Kind == kind {
				return map[string]any{
					"outcome": map[string]string{"outcome": "selected", "optionId": opt.OptionID},
				}
			}
		}
	}
	return map[string]any{"outcome": map[string]string{"outcome": "cancelled"}}
}

// IsAuthRequired reports whether err is the agent's auth-required error.
func IsAuthRequired(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeAuthRequired
}

// AuthMethodsFromError extracts the advertised auth methods from an
// auth-required error's data payload. Accepted shapes: a bare array, or an
// object with "authMethods" or "methods".
func AuthMethodsFromError(err error) []AuthMethod {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || len(rpcErr.Data) == 0 {
		return nil
	}

	var list []AuthMethod
	if json.Unmarshal(rpcErr.Data, &list) == nil {
		return list
	}
	var wrapped struct {
		AuthMethods []AuthMethod `json:"authMethods"`
		Methods     []AuthMethod `json:"methods"`
	}
	if json.Unmarshal(rpcErr.Data, &wrapped) != nil {
		return nil
	}
	if len(wrapped.AuthMethods) > 0 {
		return wrapped.AuthMethods
	}
	return wrapped.Methods
}
