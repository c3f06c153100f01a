// ABOUTME: Outbound event stream: an ordered bus plus a line-framed JSON writer sink
// ABOUTME: Writes are serialized so no two events interleave within one line

package host

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/mauromedda/acp-bridge/internal/eventbus"
	"github.com/mauromedda/acp-bridge/internal/log"
)

// Stream fans outbound events out to its subscribers.
type Stream struct {
	bus *eventbus.Bus[Event]
}

// NewStream creates an event stream with no subscribers.
func NewStream() *Stream {
	return &Stream{bus: eventbus.New[Event]()}
}

// Emit publishes an event to every subscriber.
func (s *Stream) Emit(e Event) {
	s.bus.Publish(e)
}

// Subscribe registers a sink and returns its unsubscribe function.
func (s *Stream) Subscribe(h func(Event)) func() {
	return s.bus.Subscribe(h)
}

// WriteTo subscribes a sink that writes each event as one JSON line to w.
func (s *Stream) WriteTo(w io.Writer) func() {
	var mu sync.Mutex
	return s.bus.Subscribe(func(e Event) {
		data, err := json.Marshal(e)
		if err != nil {
			log.Error("host: encoding %s event: %v", e.EventType(), err)
			return
		}
		data = append(data, '\n')

		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(data); err != nil {
			log.Error("host: writing %s event: %v", e.EventType(), err)
		}
	})
}
