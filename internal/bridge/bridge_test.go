// ABOUTME: Tests for the query state machine against a scripted agent
// ABOUTME: Covers streaming, session reuse, supersede, interrupt, auth, respawn, and Run

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/host"
	"github.com/mauromedda/acp-bridge/internal/relay"
)

type staticEndpoint struct{ d acp.McpServer }

func (s staticEndpoint) Descriptor() acp.McpServer { return s.d }

func TestQuery_EndToEnd(t *testing.T) {
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		a.say(sid, "Here are ")
		a.say(sid, "your files.")
		a.update(sid, map[string]any{"sessionUpdate": "usage_update", "cost": map[string]any{"amount": 0.25, "currency": "USD"}})
		a.update(sid, map[string]any{"sessionUpdate": "usage_update", "cost": map[string]any{"amount": 0.5, "currency": "USD"}})
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	}}
	endpoint := staticEndpoint{acp.McpServer{Type: "http", Name: "host-tools", URL: "http://127.0.0.1:1/mcp"}}
	b, g, rec := newTestBridge(t, s, WithToolEndpoint(endpoint), WithRelay(relay.New(nil)))

	b.Query(QueryRequest{Prompt: "list my files", Cwd: "/Users/x", Mode: relay.ModeAct})
	rec.waitFor(t, "result", 1)

	want := []string{"init", "text_delta", "text_delta", "result"}
	if got := rec.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	newCalls := g.last().calls(acp.MethodSessionNew)
	if len(newCalls) != 1 {
		t.Fatalf("session/new calls = %d", len(newCalls))
	}
	var params struct {
		Cwd        string          `json:"cwd"`
		McpServers []acp.McpServer `json:"mcpServers"`
	}
	json.Unmarshal(newCalls[0].Params, &params)
	if params.Cwd != "/Users/x" || len(params.McpServers) != 1 || params.McpServers[0].URL != endpoint.d.URL {
		t.Errorf("session/new params = %s", newCalls[0].Params)
	}

	res := rec.results()[0]
	if res.SessionID != "sess-1" || res.Text != "Here are your files." || res.CostUSD != 0.75 {
		t.Errorf("result = %+v", res)
	}
	ev := rec.snapshot()[0].(host.InitEvent)
	if ev.SessionID != "sess-1" {
		t.Errorf("init = %+v", ev)
	}
}

func TestQuery_PromptMetaCostWins(t *testing.T) {
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		a.update(sid, map[string]any{"sessionUpdate": "usage_update", "cost": map[string]any{"amount": 0.1}})
		a.respond(m.ID, map[string]any{"stopReason": "end_turn", "_meta": map[string]any{"costUsd": 1.5}})
	}}
	b, _, rec := newTestBridge(t, s)
	b.Query(QueryRequest{Prompt: "hi"})
	rec.waitFor(t, "result", 1)
	if got := rec.results()[0].CostUSD; got != 1.5 {
		t.Errorf("cost = %v, want 1.5", got)
	}
}

func TestQuery_SessionReuse(t *testing.T) {
	s := &script{}
	b, g, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "one", Cwd: "/a", SystemPrompt: "be terse"})
	rec.waitFor(t, "result", 1)
	b.Query(QueryRequest{Prompt: "two", Cwd: "/a/", SystemPrompt: "ignored on reuse"})
	rec.waitFor(t, "result", 2)
	b.Query(QueryRequest{Prompt: "three", Cwd: "/b"})
	rec.waitFor(t, "result", 3)

	calls := g.last().calls(acp.MethodSessionNew)
	if len(calls) != 2 {
		t.Fatalf("session/new calls = %d, want 2", len(calls))
	}
	if !strings.Contains(string(calls[0].Params), `"append":"be terse"`) {
		t.Errorf("first session/new params = %s", calls[0].Params)
	}
	if strings.Contains(string(calls[1].Params), "systemPrompt") {
		t.Errorf("second session/new params = %s", calls[1].Params)
	}

	res := rec.results()
	if res[0].SessionID != "sess-1" || res[1].SessionID != "sess-1" || res[2].SessionID != "sess-2" {
		t.Errorf("session ids = %s %s %s", res[0].SessionID, res[1].SessionID, res[2].SessionID)
	}
	if rec.count("init") != 3 {
		t.Errorf("init events = %d, want one per query", rec.count("init"))
	}
}

func TestQuery_SupersededIsSilent(t *testing.T) {
	first := make(chan rpcMsg, 1)
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		var p struct {
			Prompt []struct{ Text string } `json:"prompt"`
		}
		json.Unmarshal(m.Params, &p)
		if p.Prompt[0].Text == "slow" {
			a.say(sid, "partial")
			first <- m
			return
		}
		a.say(sid, "fast answer")
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	}}
	b, g, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "slow"})
	slow := <-first
	rec.waitFor(t, "text_delta", 1)

	b.Query(QueryRequest{Prompt: "fast"})
	rec.waitFor(t, "result", 1)

	// A late answer to the abandoned prompt must not produce a second terminal.
	g.last().respond(slow.ID, map[string]any{"stopReason": "cancelled"})
	time.Sleep(50 * time.Millisecond)

	if n := rec.count("result") + rec.count("error"); n != 1 {
		t.Fatalf("terminal events = %d, want 1: %v", n, rec.types())
	}
	if got := rec.results()[0].Text; got != "fast answer" {
		t.Errorf("result text = %q", got)
	}
	if len(g.last().calls(acp.MethodSessionCancel)) != 1 {
		t.Errorf("session/cancel not sent for superseded query")
	}
}

func TestQuery_InterruptReturnsPartial(t *testing.T) {
	streamed := make(chan struct{})
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		a.update(sid, map[string]any{"sessionUpdate": "tool_call", "toolCallId": "t0", "title": "Read file", "status": "pending"})
		a.update(sid, map[string]any{"sessionUpdate": "tool_call_update", "toolCallId": "t0", "status": "completed"})
		a.say(sid, "half an ans")
		a.update(sid, map[string]any{"sessionUpdate": "tool_call", "toolCallId": "t1", "title": "Search", "status": "in_progress"})
		close(streamed)
	}}
	b, g, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "go"})
	<-streamed
	eventually(t, func() bool {
		for _, e := range rec.snapshot() {
			if a, ok := e.(host.ToolActivityEvent); ok && a.ToolUseID == "t1" {
				return true
			}
		}
		return false
	}, "t1 to start")

	b.Interrupt()
	rec.waitFor(t, "result", 1)

	res := rec.results()[0]
	if res.Text != "half an ans" || res.SessionID != "sess-1" {
		t.Errorf("result = %+v", res)
	}
	var t1Done bool
	for _, e := range rec.snapshot() {
		if a, ok := e.(host.ToolActivityEvent); ok && a.ToolUseID == "t1" && a.Status == host.ToolCompleted {
			t1Done = true
		}
	}
	if !t1Done {
		t.Errorf("pending tool not closed out: %v", rec.types())
	}
	eventually(t, func() bool { return len(g.last().calls(acp.MethodSessionCancel)) == 1 }, "session/cancel")
	if got := sessionOf(g.last().calls(acp.MethodSessionCancel)[0]); got != "sess-1" {
		t.Errorf("session/cancel for %q", got)
	}
}

func TestQuery_SupersededTailIsDropped(t *testing.T) {
	started := make(chan struct{})
	s := &script{
		prompt: func(a *fakeAgent, m rpcMsg, sid string) {
			if promptText(m) == "slow" {
				a.say(sid, "partial")
				close(started)
				return
			}
			a.say(sid, "fast answer")
			a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
		},
		onCancel: func(a *fakeAgent, sid string) { a.say(sid, "STALE-TAIL") },
	}
	b, _, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "slow"})
	<-started
	rec.waitFor(t, "text_delta", 1)
	b.Query(QueryRequest{Prompt: "fast"})
	rec.waitFor(t, "result", 1)

	want := "init,text_delta,init,text_delta,result"
	if got := strings.Join(rec.types(), ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	if got := rec.results()[0].Text; got != "fast answer" {
		t.Errorf("result text = %q", got)
	}
}

func TestQuery_InterruptTailIsDropped(t *testing.T) {
	started := make(chan struct{})
	s := &script{
		prompt: func(a *fakeAgent, m rpcMsg, sid string) {
			if promptText(m) == "first" {
				a.say(sid, "half")
				close(started)
				return
			}
			a.say(sid, "second")
			a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
		},
		onCancel: func(a *fakeAgent, sid string) { a.say(sid, " STALE-TAIL") },
	}
	b, _, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "first"})
	<-started
	rec.waitFor(t, "text_delta", 1)
	b.Interrupt()
	rec.waitFor(t, "result", 1)
	b.Query(QueryRequest{Prompt: "next"})
	rec.waitFor(t, "result", 2)

	res := rec.results()
	if res[0].Text != "half" || res[1].Text != "second" {
		t.Errorf("results = %q, %q", res[0].Text, res[1].Text)
	}
	if n := rec.count("text_delta"); n != 2 {
		t.Errorf("text deltas = %d: %v", n, rec.types())
	}
}

func TestQuery_CancelGraceBoundsSilentAgent(t *testing.T) {
	started := make(chan struct{})
	s := &script{
		ignoreCancel: true,
		prompt: func(a *fakeAgent, m rpcMsg, sid string) {
			if promptText(m) == "slow" {
				close(started)
				return
			}
			a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
		},
	}
	b, g, rec := newTestBridge(t, s, WithCancelGrace(50*time.Millisecond))

	b.Query(QueryRequest{Prompt: "slow"})
	<-started
	b.Query(QueryRequest{Prompt: "fast"})
	rec.waitFor(t, "result", 1)

	if n := rec.count("result") + rec.count("error"); n != 1 {
		t.Errorf("terminal events = %v", rec.types())
	}
	if len(g.last().calls(acp.MethodSessionCancel)) != 1 {
		t.Errorf("session/cancel not sent")
	}
}

func TestQuery_InterruptCancelsRelayCalls(t *testing.T) {
	rl := relay.New(relay.ChannelFunc(func(context.Context, relay.ToolUse) error { return nil }))
	started := make(chan struct{})
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) { close(started) }}
	b, _, rec := newTestBridge(t, s, WithRelay(rl))

	b.Query(QueryRequest{Prompt: "go", Mode: relay.ModeAsk})
	<-started

	callDone := make(chan relay.Result, 1)
	go func() {
		res, _ := rl.Call(context.Background(), relay.ToolSemanticSearch, json.RawMessage(`{"query":"x"}`))
		callDone <- res
	}()
	eventually(t, func() bool { return rl.Pending() == 1 }, "relay call to register")

	b.Interrupt()
	rec.waitFor(t, "result", 1)
	select {
	case res := <-callDone:
		if !res.IsError {
			t.Errorf("relay result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay call still pending after interrupt")
	}
}

func TestQuery_ModeSetPerQuery(t *testing.T) {
	rl := relay.New(nil)
	s := &script{}
	b, _, rec := newTestBridge(t, s, WithRelay(rl))

	b.Query(QueryRequest{Prompt: "a", Mode: relay.ModeAct})
	rec.waitFor(t, "result", 1)
	if rl.Mode() != relay.ModeAct {
		t.Errorf("mode = %s", rl.Mode())
	}
	b.Query(QueryRequest{Prompt: "b", Mode: relay.ModeAsk})
	rec.waitFor(t, "result", 2)
	if rl.Mode() != relay.ModeAsk {
		t.Errorf("mode = %s", rl.Mode())
	}
}

func TestQuery_PermissionFollowsMode(t *testing.T) {
	verdicts := make(chan string, 2)
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		a.write(map[string]any{
			"jsonrpc": "2.0", "id": 900, "method": acp.MethodRequestPermission,
			"params": map[string]any{
				"sessionId": sid,
				"toolCall":  map[string]any{"toolCallId": "t1", "title": "Edit file"},
				"options": []map[string]any{
					{"optionId": "yes", "name": "Allow", "kind": "allow_once"},
					{"optionId": "no", "name": "Reject", "kind": "reject_once"},
				},
			},
		})
		resp := <-a.responses
		var r struct {
			Outcome struct {
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		}
		json.Unmarshal(resp.Result, &r)
		verdicts <- r.Outcome.OptionID
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	}}
	b, _, rec := newTestBridge(t, s, WithRelay(relay.New(nil)))

	b.Query(QueryRequest{Prompt: "edit", Mode: relay.ModeAct})
	rec.waitFor(t, "result", 1)
	b.Query(QueryRequest{Prompt: "edit", Mode: relay.ModeAsk})
	rec.waitFor(t, "result", 2)

	if a, r := <-verdicts, <-verdicts; a != "yes" || r != "no" {
		t.Errorf("verdicts = %s, %s", a, r)
	}
}

func TestQuery_AgentCrashThenRespawn(t *testing.T) {
	crash := true
	s := &script{}
	s.prompt = func(a *fakeAgent, m rpcMsg, sid string) {
		if crash {
			crash = false
			a.say(sid, "about to")
			a.crash()
			return
		}
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	}
	b, g, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "one"})
	rec.waitFor(t, "error", 1)
	if msg := rec.errors()[0].Message; !strings.Contains(msg, "agent process exited") {
		t.Errorf("error = %q", msg)
	}

	b.Query(QueryRequest{Prompt: "two"})
	rec.waitFor(t, "result", 1)
	if g.count() != 2 {
		t.Errorf("spawns = %d, want 2", g.count())
	}
	if got := rec.results()[0].SessionID; got != "sess-2" {
		t.Errorf("session after respawn = %s, want a fresh one", got)
	}
}

func TestQuery_EmptyPrompt(t *testing.T) {
	b, g, rec := newTestBridge(t, &script{})
	b.Query(QueryRequest{Prompt: "  "})
	rec.waitFor(t, "error", 1)
	if g.count() != 0 {
		t.Errorf("agent spawned for empty prompt")
	}
}

func TestQuery_SpawnFailure(t *testing.T) {
	rec := &recorder{}
	b := New(rec.emit, WithSpawner(func() (*acp.Conn, error) { return nil, errors.New("no such file") }))
	defer func() { b.Stop(); b.shutdown() }()

	b.Query(QueryRequest{Prompt: "hi"})
	rec.waitFor(t, "error", 1)
	if msg := rec.errors()[0].Message; !strings.Contains(msg, "no such file") {
		t.Errorf("error = %q", msg)
	}
}

func authRequiredOnce(a *fakeAgent, m rpcMsg) bool {
	if len(a.calls(acp.MethodAuthenticate)) > 0 {
		return false
	}
	a.fail(m.ID, acp.CodeAuthRequired, "Authentication required", map[string]any{
		"authMethods": []map[string]any{{"id": "agent-login", "name": "Log in with agent"}},
	})
	return true
}

func TestAuth_AgentMethod(t *testing.T) {
	s := &script{initErr: authRequiredOnce}
	b, g, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "hi"})
	rec.waitFor(t, "error", 1)

	types := rec.types()
	if types[0] != "auth_required" || types[1] != "error" {
		t.Fatalf("events = %v", types)
	}
	req := rec.snapshot()[0].(host.AuthRequiredEvent)
	if len(req.Methods) != 1 || req.Methods[0].ID != "agent-login" || req.Methods[0].DisplayName != "Log in with agent" || req.Methods[0].Type != "agent" {
		t.Errorf("methods = %+v", req.Methods)
	}

	b.Authenticate("agent-login")
	rec.waitFor(t, "auth_success", 1)
	if len(g.last().calls(acp.MethodInitialize)) != 2 {
		t.Errorf("initialize not retried after authenticate")
	}

	b.Query(QueryRequest{Prompt: "again"})
	rec.waitFor(t, "result", 1)
	if g.count() != 1 {
		t.Errorf("spawns = %d, want 1", g.count())
	}
}

func TestAuth_UnknownMethod(t *testing.T) {
	b, _, rec := newTestBridge(t, &script{})
	b.Authenticate("nope")
	rec.waitFor(t, "error", 1)
}

func TestAuth_AuthRequiredOnSessionNew(t *testing.T) {
	s := &script{newErr: func(a *fakeAgent, m rpcMsg) bool {
		a.fail(m.ID, acp.CodeAuthRequired, "Authentication required", []map[string]any{{"id": "agent-login", "name": "Log in"}})
		return true
	}}
	b, _, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "hi"})
	rec.waitFor(t, "error", 1)
	if rec.count("auth_required") != 1 || rec.count("init") != 0 {
		t.Errorf("events = %v", rec.types())
	}
}

func TestStop_SilencesRunningQuery(t *testing.T) {
	started := make(chan struct{})
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) { close(started) }}
	b, _, rec := newTestBridge(t, s)

	b.Query(QueryRequest{Prompt: "go"})
	<-started
	b.Stop()
	b.shutdown()

	if n := rec.count("result") + rec.count("error"); n != 0 {
		t.Errorf("terminal events after stop: %v", rec.types())
	}
	b.Query(QueryRequest{Prompt: "after stop"})
	time.Sleep(20 * time.Millisecond)
	if rec.count("init") != 1 {
		t.Errorf("query accepted after stop: %v", rec.types())
	}
}

func TestRun_HostLoop(t *testing.T) {
	s := &script{prompt: func(a *fakeAgent, m rpcMsg, sid string) {
		a.say(sid, "hello")
		a.respond(m.ID, map[string]any{"stopReason": "end_turn"})
	}}
	b, g, rec := newTestBridge(t, s)

	in, w := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), in) }()

	io.WriteString(w, `{"type":"query","prompt":"list my files","cwd":"/Users/x","mode":"act"}`+"\n")
	rec.waitFor(t, "result", 1)
	io.WriteString(w, `{"type":"stop"}`+"\n")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after stop")
	}
	select {
	case <-g.last().closed:
	case <-time.After(time.Second):
		t.Error("agent not terminated on stop")
	}
	w.Close()
}

type countingService struct{ ran, stopped chan struct{} }

func (c countingService) Run(ctx context.Context) error {
	close(c.ran)
	<-ctx.Done()
	close(c.stopped)
	return nil
}

func TestRun_StopsServicesOnEOF(t *testing.T) {
	svc := countingService{ran: make(chan struct{}), stopped: make(chan struct{})}
	b, _, _ := newTestBridge(t, &script{}, WithService(svc))

	if err := b.Run(context.Background(), strings.NewReader("")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-svc.stopped:
	default:
		t.Error("service still running after Run returned")
	}
}
