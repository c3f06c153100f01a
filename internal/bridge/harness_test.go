// ABOUTME: Test harness: a scripted in-memory agent speaking JSON-RPC and a host event recorder
// ABOUTME: Agents are created per spawn so respawn behavior can be observed

package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/host"
)

type rpcMsg struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type fakeAgent struct {
	w      io.WriteCloser
	wmu    sync.Mutex
	handle func(a *fakeAgent, m rpcMsg)

	mu        sync.Mutex
	received  []rpcMsg
	answered  map[string]bool
	responses chan rpcMsg
	closed    chan struct{}
}

func newFakeAgent(handle func(*fakeAgent, rpcMsg)) (*acp.Conn, *fakeAgent) {
	toBridgeR, toBridgeW := io.Pipe()
	toAgentR, toAgentW := io.Pipe()
	a := &fakeAgent{
		w:         toBridgeW,
		handle:    handle,
		answered:  make(map[string]bool),
		responses: make(chan rpcMsg, 16),
		closed:    make(chan struct{}),
	}
	go a.loop(toAgentR)
	return acp.NewConn(toBridgeR, toAgentW), a
}

func (a *fakeAgent) loop(r io.Reader) {
	defer close(a.closed)
	defer a.w.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var m rpcMsg
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		a.mu.Lock()
		a.received = append(a.received, m)
		a.mu.Unlock()
		if m.Method == "" {
			a.responses <- m
			continue
		}
		if a.handle != nil {
			go a.handle(a, m)
		}
	}
}

func (a *fakeAgent) write(v any) {
	data, _ := json.Marshal(v)
	a.wmu.Lock()
	defer a.wmu.Unlock()
	a.w.Write(append(data, '\n'))
}

func (a *fakeAgent) markAnswered(id json.RawMessage) {
	a.mu.Lock()
	a.answered[string(id)] = true
	a.mu.Unlock()
}

// unanswered returns the prompts for sessionID still waiting for a response.
func (a *fakeAgent) unanswered(sessionID string) []rpcMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []rpcMsg
	for _, m := range a.received {
		if m.Method == acp.MethodSessionPrompt && !a.answered[string(m.ID)] && sessionOf(m) == sessionID {
			out = append(out, m)
		}
	}
	return out
}

func (a *fakeAgent) respond(id json.RawMessage, result any) {
	a.markAnswered(id)
	a.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (a *fakeAgent) fail(id json.RawMessage, code int, msg string, data any) {
	a.markAnswered(id)
	e := map[string]any{"code": code, "message": msg}
	if data != nil {
		e["data"] = data
	}
	a.write(map[string]any{"jsonrpc": "2.0", "id": id, "error": e})
}

func (a *fakeAgent) update(sessionID string, upd map[string]any) {
	a.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": sessionID, "update": upd},
	})
}

func (a *fakeAgent) say(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// crash simulates the subprocess exiting.
func (a *fakeAgent) crash() { a.w.Close() }

func (a *fakeAgent) calls(method string) []rpcMsg {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []rpcMsg
	for _, m := range a.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func sessionOf(m rpcMsg) string {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(m.Params, &p)
	return p.SessionID
}

func promptText(m rpcMsg) string {
	var p struct {
		Prompt []struct{ Text string } `json:"prompt"`
	}
	json.Unmarshal(m.Params, &p)
	if len(p.Prompt) == 0 {
		return ""
	}
	return p.Prompt[0].Text
}

// script answers the standard handshake and delegates prompts. By default
// session/cancel ends every open prompt of the session with "cancelled";
// onCancel runs first, and ignoreCancel leaves open prompts unanswered.
type script struct {
	mu           sync.Mutex
	sessions     int
	initErr      func(a *fakeAgent, m rpcMsg) bool
	newErr       func(a *fakeAgent, m rpcMsg) bool
	prompt       func(a *fakeAgent, m rpcMsg, sessionID string)
	onCancel     func(a *fakeAgent, sessionID string)
	ignoreCancel bool
}

func (s *script) handle(a *fakeAgent, m rpcMsg) {
	switch m.Method {
	case acp.MethodInitialize:
		if s.initErr != nil && s.initErr(a, m) {
			return
		}
		a.respond(m.ID, map[string]any{"protocolVersion": 1})
	case acp.MethodSessionNew:
		if s.newErr != nil && s.newErr(a, m) {
			return
		}
		s.mu.Lock()
		s.sessions++
		id := fmt.Sprintf("sess-%d", s.sessions)
		s.mu.Unlock()
		a.respond(m.ID, map[string]any{"sessionId": id})
	case acp.MethodAuthenticate:
		a.respond(m.ID, map[string]any{})
	case acp.MethodSessionPrompt:
		if s.prompt != nil {
			s.prompt(a, m, sessionOf(m))
			return
		}
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	case acp.MethodSessionCancel:
		sid := sessionOf(m)
		if s.onCancel != nil {
			s.onCancel(a, sid)
		}
		if s.ignoreCancel {
			return
		}
		for _, p := range a.unanswered(sid) {
			a.respond(p.ID, map[string]any{"stopReason": "cancelled"})
		}
	}
}

// agents spawns a fresh fake agent per call and keeps them all.
type agents struct {
	mu     sync.Mutex
	s      *script
	spawns []*fakeAgent
}

func (g *agents) spawn() (*acp.Conn, error) {
	conn, a := newFakeAgent(g.s.handle)
	g.mu.Lock()
	g.spawns = append(g.spawns, a)
	g.mu.Unlock()
	return conn, nil
}

func (g *agents) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.spawns)
}

func (g *agents) last() *fakeAgent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spawns[len(g.spawns)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []host.Event
}

func (r *recorder) emit(e host.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []host.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.Event(nil), r.events...)
}

func (r *recorder) types() []string {
	var out []string
	for _, e := range r.snapshot() {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.EventType() == typ {
			n++
		}
	}
	return n
}

// waitFor blocks until at least n events of typ were emitted.
func (r *recorder) waitFor(t *testing.T, typ string, n int) {
	t.Helper()
	eventually(t, func() bool { return r.count(typ) >= n }, "%d %s event(s); got %v", n, typ, r.types())
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for "+format, args...)
}

func (r *recorder) results() []host.ResultEvent {
	var out []host.ResultEvent
	for _, e := range r.snapshot() {
		if res, ok := e.(host.ResultEvent); ok {
			out = append(out, res)
		}
	}
	return out
}

func (r *recorder) errors() []host.ErrorEvent {
	var out []host.ErrorEvent
	for _, e := range r.snapshot() {
		if ev, ok := e.(host.ErrorEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func newTestBridge(t *testing.T, s *script, opts ...Option) (*Bridge, *agents, *recorder) {
	t.Helper()
	g := &agents{s: s}
	rec := &recorder{}
	opts = append([]Option{WithSpawner(g.spawn), WithDefaultCwd("/work")}, opts...)
	b := New(rec.emit, opts...)
	t.Cleanup(func() {
		b.Stop()
		b.shutdown()
	})
	return b, g, rec
}
