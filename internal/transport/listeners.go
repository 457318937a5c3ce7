// ABOUTME: Ordered listener set shared by every Transport implementation
// ABOUTME: Dispatch offers a message to listeners until one claims it, then awaits its reply

package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type listenerEntry struct {
	id string
	fn Listener
}

// Listeners is an ordered, concurrency-safe set of listeners.
// The zero value is ready to use.
type Listeners struct {
	mu      sync.RWMutex
	entries []listenerEntry
}

// Add appends l and returns a function removing it.
func (s *Listeners) Add(l Listener) func() {
	id := uuid.New().String()

	s.mu.Lock()
	s.entries = append(s.entries, listenerEntry{id: id, fn: l})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.entries = lo.Reject(s.entries, func(le listenerEntry, _ int) bool { return le.id == id })
	}
}

// Len returns the number of listeners.
func (s *Listeners) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Listeners) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.entries, func(le listenerEntry, _ int) Listener { return le.fn })
}

// Dispatch offers msg to each listener in registration order. The first
// listener to claim it owns the reply; Dispatch waits for that reply, for
// closed to fire (ErrPortClosed) or for ctx to end. claimed is false when no
// listener took the message. An error passed to the reply is returned as err.
func (s *Listeners) Dispatch(ctx context.Context, msg Message, closed <-chan struct{}) (reply json.RawMessage, claimed bool, err error) {
	type result struct {
		payload json.RawMessage
		err     error
	}
	replyCh := make(chan result, 1)
	var once sync.Once
	replyFn := func(p json.RawMessage, err error) {
		once.Do(func() { replyCh <- result{p, err} })
	}

	for _, l := range s.snapshot() {
		if l(ctx, msg, replyFn) {
			claimed = true
			break
		}
	}
	if !claimed {
		return nil, false, nil
	}

	select {
	case r := <-replyCh:
		if r.err != nil {
			return nil, true, r.err
		}
		return r.payload, true, nil
	case <-closed:
		return nil, true, ErrPortClosed
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}
}
