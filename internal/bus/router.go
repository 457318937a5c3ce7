// ABOUTME: Router multiplexing several bus servers behind one transport listener
// ABOUTME: Answers methods no mounted server knows with an explicit unknown-method error

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/transport"
)

// Router offers each request to its mounted servers in mount order.
type Router struct {
	logger *slog.Logger

	mu      sync.RWMutex
	servers []*Server
	removes []func()
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With("component", "bus_router")}
}

// Mount adds s. A server already mounted is not added twice.
func (r *Router) Mount(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lo.Contains(r.servers, s) {
		return
	}
	r.servers = append(r.servers, s)
	r.logger.Info("=== SERVER MOUNTED ===", "server", s.Name(), "methods", s.Methods())
}

// Unmount removes s and reports whether it was mounted.
func (r *Router) Unmount(s *Server) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !lo.Contains(r.servers, s) {
		return false
	}
	r.servers = lo.Without(r.servers, s)
	r.logger.Info("=== SERVER UNMOUNTED ===", "server", s.Name())
	return true
}

// owner returns the first mounted server handling method.
func (r *Router) owner(method string) *Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, _ := lo.Find(r.servers, func(s *Server) bool { return s.Has(method) })
	return s
}

// Dispatch answers req with the server owning its method. ok is false when
// that server's filter dropped the request.
func (r *Router) Dispatch(ctx context.Context, sender transport.Destination, req Request) (Response, bool) {
	s := r.owner(req.Method)
	if s == nil {
		r.logger.Warn("rpc call for unknown method", "method", req.Method, "sender", sender.String())
		return Errored(unknownMethodMessage(req.Method)), true
	}
	return s.Dispatch(ctx, sender, req)
}

// Listen attaches the router to t. Every bus request is claimed except
// those dropped by a filter.
func (r *Router) Listen(t transport.Transport) {
	remove := t.OnMessage(func(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) bool {
		req, ok := decodeRequest(msg.Payload)
		if !ok {
			return false
		}
		if s := r.owner(req.Method); s != nil && !s.accepts(req) {
			s.metrics.observeHandled(req.Method, outcomeFiltered, 0)
			return false
		}
		go func() {
			resp, ok := r.Dispatch(ctx, msg.From, req)
			if !ok {
				// filter changed its mind between claim and dispatch
				reply(nil, nil)
				return
			}
			reply(encodeResponse(resp), nil)
		}()
		return true
	})

	r.mu.Lock()
	r.removes = append(r.removes, remove)
	r.mu.Unlock()
}

// Unlisten detaches the router from every transport it listens on.
func (r *Router) Unlisten() {
	r.mu.Lock()
	removes := r.removes
	r.removes = nil
	r.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
}
