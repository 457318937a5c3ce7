// ABOUTME: In-process transport hub connecting named endpoints
// ABOUTME: Delivers messages to listeners in order and waits for the claimed reply

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Hub routes messages between endpoints living in the same process. The
// websocket server uses it to bridge remote peers as well.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		logger:    logger.With("component", "transport"),
	}
}

// Connect registers an endpoint for the destination.
// Returns ErrAlreadyConnected if the destination key is taken.
func (h *Hub) Connect(self Destination) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := self.Key()
	if _, exists := h.endpoints[key]; exists {
		return nil, ErrAlreadyConnected
	}

	e := &Endpoint{
		hub:    h,
		self:   self,
		closed: make(chan struct{}),
	}
	h.endpoints[key] = e

	h.logger.Debug("endpoint connected", "destination", self.String(), "total_endpoints", len(h.endpoints))
	return e, nil
}

func (h *Hub) disconnect(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := e.self.Key()
	if cur, ok := h.endpoints[key]; ok && cur == e {
		delete(h.endpoints, key)
		h.logger.Debug("endpoint disconnected", "destination", e.self.String(), "total_endpoints", len(h.endpoints))
	}
}

// Candidates returns connected destinations matching q, ordered by tab,
// frame and name so "first match" is deterministic.
func (h *Hub) Candidates(ctx context.Context, q Query) ([]Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	all := lo.MapToSlice(h.endpoints, func(_ string, e *Endpoint) Destination { return e.self })
	h.mu.RUnlock()

	out := lo.Filter(all, func(d Destination, _ int) bool { return q.Match(d) })
	sort.Slice(out, func(i, j int) bool {
		if out[i].TabID != out[j].TabID {
			return out[i].TabID < out[j].TabID
		}
		if out[i].FrameID != out[j].FrameID {
			return out[i].FrameID < out[j].FrameID
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}

func (h *Hub) lookup(to Destination) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.endpoints[to.Key()]
	return e, ok
}

// deliver hands payload to the destination's listeners.
func (h *Hub) deliver(ctx context.Context, from, to Destination, payload json.RawMessage) (json.RawMessage, error) {
	target, ok := h.lookup(to)
	if !ok {
		return nil, ErrNoReceiver
	}
	reply, _, err := target.listeners.Dispatch(ctx, Message{From: from, Payload: payload}, target.closed)
	return reply, err
}

// Endpoint is one destination's attachment to a Hub. It implements Transport.
type Endpoint struct {
	hub  *Hub
	self Destination

	listeners Listeners

	closeOnce sync.Once
	closed    chan struct{}
}

// Self returns the endpoint's destination.
func (e *Endpoint) Self() Destination { return e.self }

// Send delivers payload to another endpoint on the same hub.
func (e *Endpoint) Send(ctx context.Context, to Destination, payload json.RawMessage) (json.RawMessage, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}
	return e.hub.deliver(ctx, e.self, to, payload)
}

// OnMessage registers a listener.
func (e *Endpoint) OnMessage(l Listener) func() {
	return e.listeners.Add(l)
}

// ListenerCount returns the number of registered listeners.
func (e *Endpoint) ListenerCount() int {
	return e.listeners.Len()
}

// Done is closed when the endpoint disconnects.
func (e *Endpoint) Done() <-chan struct{} { return e.closed }

// Close disconnects the endpoint. Senders waiting on one of its replies get
// ErrPortClosed. Safe to call multiple times.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.hub.disconnect(e)
	})
}
