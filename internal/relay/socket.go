// ABOUTME: Host channel over a Unix domain socket carrying JSON tool_use / tool_result lines
// ABOUTME: Dials lazily and rejects every pending call when the connection drops

package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/mauromedda/acp-bridge/internal/log"
)

const dialTimeout = 2 * time.Second

type socketToolUse struct {
	Type string `json:"type"`
	ToolUse
}

type socketToolResult struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Result json.RawMessage `json:"result"`
}

// SocketChannel sends tool requests to a host listening on a Unix socket.
type SocketChannel struct {
	path  string
	relay *Relay

	mu   sync.Mutex
	conn net.Conn
}

// NewSocketChannel creates a channel that dials path on first use and
// resolves results through r.
func NewSocketChannel(path string, r *Relay) *SocketChannel {
	return &SocketChannel{path: path, relay: r}
}

// Send writes one tool_use line, dialing the socket if needed.
func (s *SocketChannel) Send(ctx context.Context, use ToolUse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "unix", s.path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		}
		s.conn = conn
		go s.readLoop(conn)
	}

	data, err := json.Marshal(socketToolUse{Type: "tool_use", ToolUse: use})
	if err != nil {
		return fmt.Errorf("encoding tool_use: %w", err)
	}
	if _, err := s.conn.Write(append(data, '\n')); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

// Run closes the connection when ctx ends.
func (s *SocketChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *SocketChannel) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		var msg socketToolResult
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Warn("relay: discarding malformed socket line: %v", err)
			continue
		}
		if msg.Type != "tool_result" {
			log.Debug("relay: ignoring socket message %q", msg.Type)
			continue
		}
		s.relay.Resolve(msg.CallID, resultText(msg.Result))
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()

	if n := s.relay.RejectAll(ErrChannelUnavailable); n > 0 {
		log.Warn("relay: socket closed with %d calls pending", n)
	}
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
