// ABOUTME: Typed table of in-flight calls keyed by id, each settled exactly once
// ABOUTME: Backs JSON-RPC request correlation and relay tool-call correlation

package pending

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicate is returned by Register when the key is already in flight.
var ErrDuplicate = errors.New("pending: duplicate key")

// ErrClosed is returned by Register after the table was closed.
var ErrClosed = errors.New("pending: table closed")

// Outcome is the tagged result delivered to an entry's owner: exactly one of
// Value or Err is meaningful.
type Outcome[V any] struct {
	Value V
	Err   error
}

// Entry is the owner's handle on a registered key. Its channel receives one
// Outcome and is never closed.
type Entry[K comparable, V any] struct {
	key   K
	ch    chan Outcome[V]
	table *Table[K, V]
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K { return e.key }

// C returns the channel on which the single Outcome arrives.
func (e *Entry[K, V]) C() <-chan Outcome[V] { return e.ch }

// Abandon removes the entry without settling it. Used by owners that stop
// waiting (context cancelled). Returns false if it was already settled.
func (e *Entry[K, V]) Abandon() bool {
	return e.table.take(e.key) != nil
}

// Table correlates keys with their eventual outcome.
type Table[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*Entry[K, V]
	closed  error
}

// New creates an empty table.
func New[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{entries: make(map[K]*Entry[K, V])}
}

// Register creates the entry for key. The caller becomes its single owner.
func (t *Table[K, V]) Register(key K) (*Entry[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, t.closed)
	}
	if _, ok := t.entries[key]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicate, key)
	}
	e := &Entry[K, V]{key: key, ch: make(chan Outcome[V], 1), table: t}
	t.entries[key] = e
	return e, nil
}

// Resolve settles key with a value. Returns false if key is not in flight.
func (t *Table[K, V]) Resolve(key K, v V) bool {
	e := t.take(key)
	if e == nil {
		return false
	}
	e.ch <- Outcome[V]{Value: v}
	return true
}

// Reject settles key with an error. Returns false if key is not in flight.
func (t *Table[K, V]) Reject(key K, err error) bool {
	e := t.take(key)
	if e == nil {
		return false
	}
	e.ch <- Outcome[V]{Err: err}
	return true
}

// RejectAll settles every in-flight entry with err and returns how many were
// rejected. The table stays open.
func (t *Table[K, V]) RejectAll(err error) int {
	t.mu.Lock()
	drained := t.entries
	t.entries = make(map[K]*Entry[K, V])
	t.mu.Unlock()

	for _, e := range drained {
		e.ch <- Outcome[V]{Err: err}
	}
	return len(drained)
}

// Close rejects every in-flight entry with err and refuses further
// registrations, reporting err to later callers of Register.
func (t *Table[K, V]) Close(err error) int {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()
	return t.RejectAll(err)
}

// Len returns the number of in-flight entries.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table[K, V]) take(key K) *Entry[K, V] {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	return e
}
