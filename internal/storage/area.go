// ABOUTME: Area interface for the shared key-value storage channel
// ABOUTME: Defines Change notifications, sentinel errors, and the listener fan-out

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Well-known area names.
const (
	AreaLocal   = "local"
	AreaSync    = "sync"
	AreaSession = "session"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned when an area is used after Close.
var ErrClosed = errors.New("storage area closed")

// Change describes a single write observed on an area. OldValue is nil when
// the key was absent before the write, NewValue is nil when it was removed.
type Change struct {
	Area     string
	Key      string
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// Area is one named scope of the storage channel. Every change made through
// any handle on the same backing store is delivered to OnChanged listeners,
// including changes made by other processes when the backend supports it.
type Area interface {
	Name() string
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
	// OnChanged registers fn and returns a function that removes it.
	OnChanged(fn func(Change)) (unsubscribe func())
}

// notifier fans changes out to registered listeners. Listeners are invoked
// outside the lock so they may unsubscribe from inside the callback.
type notifier struct {
	mu        sync.RWMutex
	listeners map[string]func(Change)
	logger    *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier{
		listeners: make(map[string]func(Change)),
		logger:    logger,
	}
}

func (n *notifier) subscribe(fn func(Change)) func() {
	id := uuid.New().String()

	n.mu.Lock()
	n.listeners[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) publish(c Change) {
	n.mu.RLock()
	targets := make([]func(Change), 0, len(n.listeners))
	for _, fn := range n.listeners {
		targets = append(targets, fn)
	}
	n.mu.RUnlock()

	for _, fn := range targets {
		fn(c)
	}
}

func (n *notifier) count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.listeners)
}

func (n *notifier) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.listeners)
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
