// ABOUTME: Translates agent session updates into host events for one query
// ABOUTME: Tracks started tools so none is left spinning, accumulates text and cost

package bridge

import (
	"strings"
	"sync"

	"github.com/rivo/uniseg"

	"github.com/mauromedda/acp-bridge/internal/acp"
	"github.com/mauromedda/acp-bridge/internal/host"
	"github.com/mauromedda/acp-bridge/internal/log"
)

// DefaultToolResultLimit caps tool output shown to the host, in grapheme clusters.
const DefaultToolResultLimit = 2000

const truncationMarker = "\n… (truncated)"

type startedTool struct {
	id   string
	name string
}

// Translator turns session updates into host events.
type Translator struct {
	emit      func(host.Event)
	limit     int
	sessionID string

	mu       sync.Mutex
	done     <-chan struct{}
	text     strings.Builder
	cost     float64
	started  []startedTool
	finished map[string]string // id -> name of tools already reported completed
}

// NewTranslator creates a translator for one query.
func NewTranslator(emit func(host.Event), limit int) *Translator {
	if limit <= 0 {
		limit = DefaultToolResultLimit
	}
	return &Translator{emit: emit, limit: limit, finished: make(map[string]string)}
}

// Bind restricts the translator to updates for sessionID.
func (t *Translator) Bind(sessionID string) {
	t.mu.Lock()
	t.sessionID = sessionID
	t.mu.Unlock()
}

// MuteAfter drops every update that arrives once done is closed.
func (t *Translator) MuteAfter(done <-chan struct{}) {
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()
}

// Handle processes one notification.
func (t *Translator) Handle(n acp.SessionNotification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		log.Debug("bridge: dropping update after cancellation")
		return
	default:
	}

	if t.sessionID != "" && n.SessionID != "" && n.SessionID != t.sessionID {
		log.Debug("bridge: dropping update for session %s", n.SessionID)
		return
	}

	switch u := n.Update.(type) {
	case acp.AgentMessageChunk:
		if u.Text == "" {
			return
		}
		t.flushLocked()
		t.text.WriteString(u.Text)
		t.emit(host.TextDelta(u.Text))

	case acp.AgentThoughtChunk:
		if u.Text != "" {
			t.emit(host.ThinkingDelta(u.Text))
		}

	case acp.ToolCall:
		name := toolName(u.Title, u.Kind)
		t.startLocked(u.ID, name)
		switch u.Status {
		case acp.ToolStatusCompleted, acp.ToolStatusFailed, acp.ToolStatusCancelled:
			t.completeLocked(u.ID, name, "")
		}

	case acp.ToolCallUpdate:
		if u.Terminal() {
			t.completeLocked(u.ID, u.Title, u.Output)
			return
		}
		if u.Status == acp.ToolStatusInProgress && t.indexLocked(u.ID) < 0 && t.finished[u.ID] == "" {
			t.startLocked(u.ID, toolName(u.Title, ""))
		}

	case acp.Plan:
		for _, e := range u.Entries {
			if e.Content != "" {
				t.emit(host.ThinkingDelta(e.Content))
			}
		}

	case acp.UsageUpdate:
		t.cost += u.CostUSD

	case acp.UnknownUpdate:
		log.Debug("bridge: ignoring %s update", u.Kind)
	}
}

// Flush reports every still-started tool as completed.
func (t *Translator) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushLocked()
}

// Text returns the reply text streamed so far.
func (t *Translator) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// Cost returns the summed usage cost reported so far.
func (t *Translator) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost
}

func (t *Translator) startLocked(id, name string) {
	if t.indexLocked(id) >= 0 {
		return
	}
	t.started = append(t.started, startedTool{id: id, name: name})
	t.emit(host.ToolActivity(name, host.ToolStarted, id))
}

// completeLocked reports the tool's output. The completed activity is only
// emitted if no earlier flush already reported it.
func (t *Translator) completeLocked(id, title, output string) {
	name := toolName(title, "")
	if i := t.indexLocked(id); i >= 0 {
		name = t.started[i].name
		t.started = append(t.started[:i], t.started[i+1:]...)
		t.emit(host.ToolActivity(name, host.ToolCompleted, id))
	} else if prior, ok := t.finished[id]; ok {
		name = prior
	} else {
		t.emit(host.ToolActivity(name, host.ToolCompleted, id))
	}
	t.finished[id] = name
	t.emit(host.ToolResultDisplay(id, name, truncateGraphemes(output, t.limit)))
}

func (t *Translator) flushLocked() {
	for _, s := range t.started {
		t.emit(host.ToolActivity(s.name, host.ToolCompleted, s.id))
		t.finished[s.id] = s.name
	}
	t.started = t.started[:0]
}

func (t *Translator) indexLocked(id string) int {
	for i, s := range t.started {
		if s.id == id {
			return i
		}
	}
	return -1
}

func toolName(title, kind string) string {
	switch {
	case title != "":
		return title
	case kind != "":
		return kind
	}
	return "tool"
}

// truncateGraphemes cuts s to at most limit grapheme clusters and appends a
// marker when anything was dropped.
func truncateGraphemes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	var b strings.Builder
	rest, state, n := s, -1, 0
	for rest != "" {
		if n == limit {
			return b.String() + truncationMarker
		}
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		b.WriteString(cluster)
		n++
	}
	return s
}
