// ABOUTME: Routes execute_sql and semantic_search calls from the agent to the host
// ABOUTME: Enforces ask/act mode locally and correlates host results by call id

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mauromedda/acp-bridge/internal/log"
	"github.com/mauromedda/acp-bridge/internal/pending"
)

// Tool names served by the relay.
const (
	ToolExecuteSQL     = "execute_sql"
	ToolSemanticSearch = "semantic_search"
)

// Mode controls which statements execute_sql may forward.
type Mode string

const (
	ModeAsk Mode = "ask"
	ModeAct Mode = "act"
)

// ParseMode maps a host mode string to a Mode. Anything other than "act"
// is treated as ask.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeAct)) {
		return ModeAct
	}
	return ModeAsk
}

// ErrChannelUnavailable is reported when no host channel can carry a call.
var ErrChannelUnavailable = errors.New("host tool channel unavailable")

// ToolUse is a request for the host to run one tool.
type ToolUse struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
}

// Result is the text returned to the agent for one tool call.
type Result struct {
	Text    string
	IsError bool
}

// Channel delivers tool requests to the host.
type Channel interface {
	Send(ctx context.Context, use ToolUse) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, use ToolUse) error

func (f ChannelFunc) Send(ctx context.Context, use ToolUse) error { return f(ctx, use) }

// Relay forwards tool calls to the host and waits for their results.
type Relay struct {
	mode  atomic.Value // Mode
	calls *pending.Table[string, string]

	mu      sync.RWMutex
	channel Channel

	newID func() string
}

// New creates a relay in ask mode sending through ch. ch may be nil and set
// later with SetChannel.
func New(ch Channel) *Relay {
	r := &Relay{
		calls:   pending.New[string, string](),
		channel: ch,
		newID:   uuid.NewString,
	}
	r.mode.Store(ModeAsk)
	return r
}

// SetChannel replaces the host channel.
func (r *Relay) SetChannel(ch Channel) {
	r.mu.Lock()
	r.channel = ch
	r.mu.Unlock()
}

// SetMode sets the permission mode for subsequent calls.
func (r *Relay) SetMode(m Mode) {
	r.mode.Store(m)
}

// Mode returns the current permission mode.
func (r *Relay) Mode() Mode {
	return r.mode.Load().(Mode)
}

// Call validates and forwards one tool call, blocking until the host answers,
// the call is rejected, or ctx ends. Local refusals come back as Result text
// with a nil error.
func (r *Relay) Call(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	query, res, ok := r.validate(name, input)
	if !ok {
		return res, nil
	}
	if name == ToolExecuteSQL && r.Mode() == ModeAsk && !IsReadOnlySQL(query) {
		log.Info("relay: refused non-read statement in ask mode")
		return Result{
			Text:    "Only read-only SELECT statements can run in ask mode. Switch to act mode to run statements that modify data.",
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	ch := r.channel
	r.mu.RUnlock()
	if ch == nil {
		return unavailable(ErrChannelUnavailable), nil
	}

	id := r.newID()
	entry, err := r.calls.Register(id)
	if err != nil {
		return Result{}, fmt.Errorf("registering call %s: %w", id, err)
	}

	log.Debug("relay: %s call %s", name, id)
	if err := ch.Send(ctx, ToolUse{CallID: id, Name: name, Input: input}); err != nil {
		entry.Abandon()
		log.Warn("relay: sending %s call %s: %v", name, id, err)
		return unavailable(err), nil
	}

	select {
	case out := <-entry.C():
		if out.Err != nil {
			return Result{Text: fmt.Sprintf("Tool call %s did not complete: %v", name, out.Err), IsError: true}, nil
		}
		return Result{Text: out.Value}, nil
	case <-ctx.Done():
		entry.Abandon()
		return Result{}, ctx.Err()
	}
}

// Resolve settles a pending call with the host's result. It reports false
// for unknown or already-settled ids.
func (r *Relay) Resolve(callID, result string) bool {
	ok := r.calls.Resolve(callID, result)
	if !ok {
		log.Warn("relay: result for unknown call %s", callID)
	}
	return ok
}

// RejectAll settles every pending call with err and returns how many there were.
func (r *Relay) RejectAll(err error) int {
	return r.calls.RejectAll(err)
}

// Pending returns the number of calls awaiting a host result.
func (r *Relay) Pending() int {
	return r.calls.Len()
}

func (r *Relay) validate(name string, input json.RawMessage) (string, Result, bool) {
	switch name {
	case ToolExecuteSQL, ToolSemanticSearch:
	default:
		return "", Result{Text: fmt.Sprintf("Unknown tool %q", name), IsError: true}, false
	}

	var args struct {
		Query *string `json:"query"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", Result{Text: fmt.Sprintf("Invalid arguments for %s: %v", name, err), IsError: true}, false
		}
	}
	if args.Query == nil || strings.TrimSpace(*args.Query) == "" {
		return "", Result{Text: fmt.Sprintf("%s requires a non-empty \"query\" string", name), IsError: true}, false
	}
	return *args.Query, Result{}, true
}

func unavailable(err error) Result {
	return Result{
		Text:    fmt.Sprintf("The host application is not reachable, so the tool could not run (%v).", err),
		IsError: true,
	}
}
