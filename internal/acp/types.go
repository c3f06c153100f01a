// ABOUTME: JSON-RPC 2.0 wire types, error codes, and typed errors for the agent connection
// ABOUTME: Inbound lines decode into one envelope and are classified by id/method presence

package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const jsonRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes plus the agent's auth-required code.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeAuthRequired   = -32000
)

// ErrClosed is returned when writing to a connection whose subprocess exited.
var ErrClosed = errors.New("agent connection closed")

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ExitError reports that the agent subprocess went away. Code is the process
// exit code, or -1 when the stream closed without a process to reap.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent process exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agent process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// outboundRequest is a JSON-RPC 2.0 request written to the agent.
type outboundRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// outboundNotification is a JSON-RPC 2.0 notification (no ID, no response expected).
type outboundNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// outboundResponse answers a request the agent sent us.
type outboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// message is the union of every inbound line shape.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// numericID decodes the response id. Our requests always use integers, but
// some agents echo them back as strings.
func (m *message) numericID() (int64, error) {
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err != nil {
		return 0, fmt.Errorf("unsupported id %s", m.ID)
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
