// ABOUTME: In-process storage area backed by a map
// ABOUTME: Used for the session area and as the test double for durable areas

package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// MemoryArea is an in-memory Area. Values are copied on the way in and out.
type MemoryArea struct {
	name     string
	mu       sync.RWMutex
	data     map[string]json.RawMessage
	notifier *notifier
	closed   bool
}

// NewMemoryArea creates an empty area with the given name. Pass nil logger for default.
func NewMemoryArea(name string, logger *slog.Logger) *MemoryArea {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryArea{
		name:     name,
		data:     make(map[string]json.RawMessage),
		notifier: newNotifier(logger.With("component", "storage", "area", name)),
	}
}

// Name returns the area name.
func (m *MemoryArea) Name() string { return m.name }

// Get returns a copy of the value stored under key, or ErrNotFound.
func (m *MemoryArea) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(v), nil
}

// Set stores value under key and notifies listeners.
func (m *MemoryArea) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.data[key]
	m.data[key] = cloneRaw(value)
	m.mu.Unlock()

	m.notifier.publish(Change{Area: m.name, Key: key, OldValue: old, NewValue: cloneRaw(value)})
	return nil
}

// Remove deletes key. Removing an absent key is not an error and emits no change.
func (m *MemoryArea) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old, ok := m.data[key]
	delete(m.data, key)
	m.mu.Unlock()

	if ok {
		m.notifier.publish(Change{Area: m.name, Key: key, OldValue: old})
	}
	return nil
}

// OnChanged registers a change listener.
func (m *MemoryArea) OnChanged(fn func(Change)) func() {
	return m.notifier.subscribe(fn)
}

// Close drops all data and listeners.
func (m *MemoryArea) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	m.notifier.clear()
	return nil
}
