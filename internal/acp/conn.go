// ABOUTME: Newline-delimited JSON-RPC connection to the agent subprocess's stdio
// ABOUTME: Correlates responses by id, routes notifications to one attached handler, sweeps on exit

package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/pending"
)

const maxScannerBuffer = 10 * 1024 * 1024 // 10MB

// NotificationHandler receives agent notifications in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers requests the agent sends to us. A returned *RPCError
// is sent verbatim; any other error becomes an internal error.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Conn is one JSON-RPC session over an agent subprocess's stdin/stdout.
// A Conn is single-use: after the peer goes away every call fails and a new
// Conn must be spawned.
type Conn struct {
	w       io.WriteCloser
	writeMu sync.Mutex

	pending *pending.Table[int64, json.RawMessage]
	nextID  atomic.Int64

	// hmu serializes handler swaps against dispatch, so a detach returns only
	// after any in-flight notification delivery has finished.
	hmu        sync.Mutex
	handler    NotificationHandler
	handlerGen uint64
	reqHandler RequestHandler

	wait func() error
	kill func() error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// NewConn starts a connection reading from r and writing to w. It is used
// directly by tests; Spawn wires it to a real subprocess.
func NewConn(r io.Reader, w io.WriteCloser) *Conn {
	return newConn(r, w, nil, nil)
}

func newConn(r io.Reader, w io.WriteCloser, wait, kill func() error) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		w:       w,
		pending: pending.New[int64, json.RawMessage](),
		wait:    wait,
		kill:    kill,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.recvLoop(r)
	return c
}

// Request sends a request and waits for its response. RPC failures come back
// as *RPCError; a subprocess exit while waiting comes back as *ExitError.
func (c *Conn) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	entry, err := c.pending.Register(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if err := c.write(outboundRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		entry.Abandon()
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	select {
	case out := <-entry.C():
		return out.Value, out.Err
	case <-ctx.Done():
		if entry.Abandon() {
			return nil, ctx.Err()
		}
		// Settled concurrently with cancellation; report what arrived.
		out := <-entry.C()
		return out.Value, out.Err
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	if err := c.write(outboundNotification{JSONRPC: jsonRPCVersion, Method: method, Params: params}); err != nil {
		return fmt.Errorf("writing %s notification: %w", method, err)
	}
	return nil
}

// Attach makes h the only notification handler, replacing any previous one.
// The returned detach removes h if it is still current; once detach returns,
// h is not running and will not be called again.
func (c *Conn) Attach(h NotificationHandler) (detach func()) {
	c.hmu.Lock()
	c.handlerGen++
	gen := c.handlerGen
	c.handler = h
	c.hmu.Unlock()

	return func() {
		c.hmu.Lock()
		if c.handlerGen == gen {
			c.handler = nil
		}
		c.hmu.Unlock()
	}
}

// HandleRequests installs the handler for agent-initiated requests.
func (c *Conn) HandleRequests(h RequestHandler) {
	c.hmu.Lock()
	c.reqHandler = h
	c.hmu.Unlock()
}

// Done is closed once the peer has gone away and pending calls were swept.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Alive reports whether the connection still accepts requests.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes stdin and kills the subprocess if there is one. Pending
// requests are rejected once the read side observes the exit.
func (c *Conn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.w.Close()
		if c.kill != nil {
			if err := c.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Debug("acp: kill: %v", err)
			}
		}
	})
	return closeErr
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Conn) write(v any) error {
	if !c.Alive() {
		return c.closedErr()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return nil
}

// recvLoop reads JSON-RPC messages from the agent and dispatches them.
func (c *Conn) recvLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("acp: reading agent output: %v", err)
	}

	c.shutdown(c.reap())
}

func (c *Conn) dispatch(line []byte) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		log.Warn("acp: discarding malformed line: %v", err)
		return
	}

	switch {
	case m.Method != "" && m.hasID():
		go c.serveRequest(m)
	case m.Method != "":
		c.deliver(m.Method, m.Params)
	case m.hasID():
		c.settle(&m)
	default:
		log.Warn("acp: discarding line with neither id nor method")
	}
}

func (c *Conn) settle(m *message) {
	id, err := m.numericID()
	if err != nil {
		log.Warn("acp: discarding response: %v", err)
		return
	}
	var ok bool
	if m.Error != nil {
		ok = c.pending.Reject(id, m.Error)
	} else {
		ok = c.pending.Resolve(id, m.Result)
	}
	if !ok {
		log.Debug("acp: response for abandoned or unknown id %d", id)
	}
}

func (c *Conn) deliver(method string, params json.RawMessage) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if c.handler == nil {
		log.Debug("acp: no active handler for %s notification", method)
		return
	}
	c.handler(method, params)
}

func (c *Conn) serveRequest(m message) {
	c.hmu.Lock()
	h := c.reqHandler
	c.hmu.Unlock()

	resp := outboundResponse{JSONRPC: jsonRPCVersion, ID: m.ID}
	if h == nil {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + m.Method}
	} else {
		result, err := h(c.ctx, m.Method, m.Params)
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			resp.Error = rpcErr
		case err != nil:
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
		default:
			if result == nil {
				result = struct{}{}
			}
			resp.Result = result
		}
	}
	if err := c.write(resp); err != nil {
		log.Warn("acp: answering %s: %v", m.Method, err)
	}
}

// reap waits for the subprocess (if any) and converts its status.
func (c *Conn) reap() *ExitError {
	if c.wait == nil {
		return &ExitError{Code: -1, Err: io.EOF}
	}
	err := c.wait()
	if err == nil {
		return &ExitError{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode(), Err: err}
	}
	return &ExitError{Code: -1, Err: err}
}

func (c *Conn) shutdown(exitErr *ExitError) {
	c.err = exitErr
	n := c.pending.Close(exitErr)
	c.cancel()
	close(c.done)
	if n > 0 {
		log.Warn("acp: %v; rejected %d pending request(s)", exitErr, n)
	} else {
		log.Info("acp: %v", exitErr)
	}
}
