// ABOUTME: Loopback MCP endpoint exposing the host relay tools to the agent over HTTP
// ABOUTME: Handles initialize, tools/list, tools/call; a bearer token gates every request

package mcp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/sahilm/fuzzy"

	"github.com/mauromedda/acp-bridge/internal/acp"
	bridgehttp "github.com/mauromedda/acp-bridge/internal/http"
	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/relay"
)

const (
	// ServerName is the name the agent sees for this endpoint.
	ServerName = "host-tools"
	endpoint   = "/mcp"
	maxBody    = 1 << 20
)

// Caller runs one tool call.
type Caller interface {
	Call(ctx context.Context, name string, input json.RawMessage) (relay.Result, error)
}

// Server exposes relay tools as an MCP Streamable HTTP endpoint.
type Server struct {
	caller   Caller
	manifest *Manifest
	tools    []MCPTool
	names    []string
	token    string
	version  string

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithManifest replaces the embedded tool manifest.
func WithManifest(m *Manifest) Option {
	return func(s *Server) { s.manifest = m }
}

// NewServer creates a server backed by caller. Tools come from the embedded
// manifest unless WithManifest supplies another.
func NewServer(caller Caller, opts ...Option) (*Server, error) {
	s := &Server{caller: caller, version: "dev"}
	for _, opt := range opts {
		opt(s)
	}

	if s.manifest == nil {
		m, err := LoadManifest(defaultManifest)
		if err != nil {
			return nil, err
		}
		s.manifest = m
	}
	tools, err := s.manifest.MCPTools()
	if err != nil {
		return nil, err
	}
	s.setTools(tools)

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	s.token = token
	return s, nil
}

func (s *Server) setTools(tools []MCPTool) {
	s.tools = tools
	s.names = make([]string, len(tools))
	for i, t := range tools {
		s.names[i] = t.Name
	}
}

// Listen binds the endpoint to a loopback address.
func (s *Server) Listen(addr string, maxConns int) error {
	ln, err := bridgehttp.ListenLoopback(addr, maxConns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = bridgehttp.SecureHTTPServer(s)
	s.mu.Unlock()
	log.Debug("mcp: listening on %s", ln.Addr())
	return nil
}

// URL returns the endpoint URL, or "" before Listen.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String() + endpoint
}

// Descriptor returns the MCP server entry handed to the agent in session/new.
func (s *Server) Descriptor() acp.McpServer {
	return acp.McpServer{
		Type: "http",
		Name: ServerName,
		URL:  s.URL(),
		Headers: []acp.HTTPHeader{
			{Name: "Authorization", Value: "Bearer " + s.token},
		},
	}
}

// Run serves until ctx ends. Listen must have been called.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.ln, s.srv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("mcp: Run called before Listen")
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		srv.Close()
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mcp: serving: %w", err)
	}
}

// ServeHTTP implements the POST side of Streamable HTTP. Responses are always
// plain JSON; no server-initiated stream is offered.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != endpoint {
		http.NotFound(w, r)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		w.WriteHeader(http.StatusOK)
		return
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, errorResponse(json.RawMessage("null"), codeParseError, "Parse error"))
		return
	}
	if req.Method == "" {
		writeJSON(w, errorResponse(req.ID, codeInvalidRequest, "missing method"))
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, s.Handle(r.Context(), &req))
}

// Handle dispatches one JSON-RPC request and returns its response.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: ServerName, Version: s.version},
		})
	case "ping":
		return resultResponse(req.ID, struct{}{})
	case "tools/list":
		return resultResponse(req.ID, map[string]any{"tools": s.tools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}

	if !s.known(params.Name) {
		msg := fmt.Sprintf("unknown tool: %s", params.Name)
		if hint := s.suggest(params.Name); hint != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", hint)
		}
		return errorResponse(req.ID, codeInvalidParams, msg)
	}

	res, err := s.caller.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		return errorResponse(req.ID, codeInternalError, err.Error())
	}
	return resultResponse(req.ID, ToolCallResult{
		Content: []ContentItem{{Type: "text", Text: res.Text}},
		IsError: res.IsError,
	})
}

func (s *Server) known(name string) bool {
	for _, n := range s.names {
		if n == name {
			return true
		}
	}
	return false
}

// suggest returns the closest advertised tool name, if any. The whole name is
// tried first, then each of its underscore or dash separated words.
func (s *Server) suggest(name string) string {
	name = strings.ToLower(name)
	patterns := append([]string{name}, strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})...)

	best, bestScore := "", 0
	for _, p := range patterns {
		if len(p) < 3 {
			continue
		}
		for _, m := range fuzzy.Find(p, s.names) {
			if best == "" || m.Score > bestScore {
				best, bestScore = m.Str, m.Score
			}
		}
	}
	return best
}

func (s *Server) authorized(r *http.Request) bool {
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating endpoint token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func resultResponse(id json.RawMessage, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, codeInternalError, err.Error())
	}
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Result: data}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("mcp: writing response: %v", err)
	}
}
