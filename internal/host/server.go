// ABOUTME: Host line reader dispatching inbound messages to a Handler by type
// ABOUTME: Malformed or unknown lines are logged and skipped; EOF or stop ends the loop

package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mauromedda/acp-bridge/internal/log"
)

const maxLineSize = 10 * 1024 * 1024

// ErrStopped is returned by Serve after a stop message.
var ErrStopped = errors.New("host requested stop")

// Handler receives decoded host messages.
type Handler interface {
	Query(msg Inbound)
	ToolResult(callID, result string)
	Interrupt()
	Authenticate(methodID string)
	Stop()
}

// HandlerFunc processes one inbound message.
type HandlerFunc func(msg Inbound)

// Router dispatches inbound messages to registered handlers by type.
type Router struct {
	handlers map[string]HandlerFunc
}

// NewRouter creates a Router wired to h.
func NewRouter(h Handler) *Router {
	r := &Router{handlers: make(map[string]HandlerFunc)}
	r.Register(TypeQuery, h.Query)
	r.Register(TypeToolResult, func(m Inbound) { h.ToolResult(m.CallID, ResultText(m.Result)) })
	r.Register(TypeInterrupt, func(Inbound) { h.Interrupt() })
	r.Register(TypeAuthenticate, func(m Inbound) { h.Authenticate(m.MethodID) })
	r.Register(TypeStop, func(Inbound) { h.Stop() })
	return r
}

// Register associates a message type with a handler function.
func (r *Router) Register(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes one line and routes it. It reports whether the line was
// a stop message.
func (r *Router) Dispatch(line []byte) (stop bool) {
	var msg Inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Warn("host: discarding malformed line: %v", err)
		return false
	}
	fn, ok := r.handlers[msg.Type]
	if !ok {
		log.Warn("host: unknown message type %q", msg.Type)
		return false
	}
	fn(msg)
	return msg.Type == TypeStop
}

// Serve reads newline-delimited messages from r until EOF, a stop message,
// or ctx cancellation. EOF is treated as an implicit stop.
func Serve(ctx context.Context, r io.Reader, h Handler) error {
	router := NewRouter(h)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			h.Stop()
			if err != nil {
				return fmt.Errorf("reading host input: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if router.Dispatch(line) {
				return ErrStopped
			}
		}
	}
}
