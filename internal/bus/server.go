// ABOUTME: Bus server that dispatches requests to registered handlers
// ABOUTME: Handles filtering, per-call context, panic recovery and request logging

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/transport"
)

// HandlerFunc answers one request with raw JSON output.
type HandlerFunc func(ctx context.Context, input json.RawMessage, call *Call) (json.RawMessage, error)

// Filter reports whether the server should answer a request. Requests it
// rejects are dropped without a reply.
type Filter func(method string, input json.RawMessage) bool

// ServerConfig contains configuration options for the Server.
type ServerConfig struct {
	// Name identifies the server in logs.
	Name   string
	Logger *slog.Logger
	Filter Filter
	// BaseContext seeds the context of every call.
	BaseContext Context
	// SilentMethods are never logged, as if every request set options.silent.
	SilentMethods []string
	Metrics       *Metrics
}

// Server dispatches bus requests to handlers.
type Server struct {
	name    string
	logger  *slog.Logger
	filter  Filter
	silent  map[string]bool
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	baseMu sync.RWMutex
	base   Context

	listenMu sync.Mutex
	removes  []func()
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "bus"
	}
	return &Server{
		name:     name,
		logger:   logger.With("component", "bus", "server", name),
		filter:   cfg.Filter,
		silent:   lo.SliceToMap(cfg.SilentMethods, func(m string) (string, bool) { return m, true }),
		metrics:  cfg.Metrics,
		handlers: make(map[string]HandlerFunc),
		base:     cfg.BaseContext.Clone(),
	}
}

// Name returns the server's name.
func (s *Server) Name() string { return s.name }

// Handle registers fn for m, replacing any previous handler. Input is
// decoded from the request; a missing input decodes to the zero value.
func Handle[In, Out any](s *Server, m Method[In, Out], fn func(ctx context.Context, in In, call *Call) (Out, error)) {
	s.HandleRaw(m.Name, func(ctx context.Context, input json.RawMessage, call *Call) (json.RawMessage, error) {
		var in In
		if len(input) > 0 && string(input) != "null" {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input for %s: %w", m.Name, err)
			}
		}
		out, err := fn(ctx, in, call)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encoding output of %s: %w", m.Name, err)
		}
		return data, nil
	})
}

// HandleRaw registers fn under the method name, replacing any previous handler.
func (s *Server) HandleRaw(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Unhandle removes the handler for method and reports whether one existed.
func (s *Server) Unhandle(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[method]
	delete(s.handlers, method)
	return ok
}

// Has reports whether a handler is registered for method.
func (s *Server) Has(method string) bool {
	return s.lookup(method) != nil
}

// Methods returns the registered method names in sorted order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := lo.Keys(s.handlers)
	sort.Strings(names)
	return names
}

func (s *Server) lookup(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

// SetBaseContext replaces the context later calls are seeded with.
func (s *Server) SetBaseContext(c Context) {
	s.baseMu.Lock()
	defer s.baseMu.Unlock()
	s.base = c.Clone()
}

// BaseContext returns a copy of the current base context.
func (s *Server) BaseContext() Context {
	s.baseMu.RLock()
	defer s.baseMu.RUnlock()
	return s.base.Clone()
}

func (s *Server) accepts(req Request) bool {
	return s.filter == nil || s.filter(req.Method, req.Input)
}

// Listen attaches the server to t. Requests for unknown methods and
// requests rejected by the filter are left unclaimed.
func (s *Server) Listen(t transport.Transport) {
	remove := t.OnMessage(func(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) bool {
		req, ok := decodeRequest(msg.Payload)
		if !ok {
			return false
		}
		h := s.lookup(req.Method)
		if h == nil {
			return false
		}
		if !s.accepts(req) {
			s.metrics.observeHandled(req.Method, outcomeFiltered, 0)
			return false
		}
		go func() {
			reply(encodeResponse(s.invoke(ctx, msg.From, req, h)), nil)
		}()
		return true
	})

	s.listenMu.Lock()
	s.removes = append(s.removes, remove)
	s.listenMu.Unlock()

	s.logger.Info("bus server listening", "transport", t.Self().String(), "methods", len(s.Methods()))
}

// Unlisten detaches the server from every transport it listens on.
func (s *Server) Unlisten() {
	s.listenMu.Lock()
	removes := s.removes
	s.removes = nil
	s.listenMu.Unlock()

	for _, remove := range removes {
		remove()
	}
}

// Dispatch answers req as if it arrived from sender. ok is false when the
// filter dropped the request. Unknown methods produce an errored response.
func (s *Server) Dispatch(ctx context.Context, sender transport.Destination, req Request) (resp Response, ok bool) {
	h := s.lookup(req.Method)
	if h == nil {
		s.metrics.observeHandled(req.Method, outcomeUnknown, 0)
		return Errored(unknownMethodMessage(req.Method)), true
	}
	if !s.accepts(req) {
		s.metrics.observeHandled(req.Method, outcomeFiltered, 0)
		return Response{}, false
	}
	return s.invoke(ctx, sender, req, h), true
}

// invoke runs h and converts its result into a response.
func (s *Server) invoke(ctx context.Context, sender transport.Destination, req Request, h HandlerFunc) Response {
	call := &Call{sender: sender, method: req.Method, server: s, ctx: s.BaseContext()}
	start := time.Now()

	out, err := safeCall(ctx, h, req.Input, call)

	var resp Response
	switch {
	case err == nil:
		resp = Success(out, call.Context())
	case errors.Is(err, ErrIgnored):
		resp = Ignored()
	default:
		resp = Errored(err.Error())
	}
	elapsed := time.Since(start)
	s.metrics.observeHandled(req.Method, string(resp.State), elapsed)

	if !req.silent() && !s.silent[req.Method] {
		attrs := []any{
			"method", req.Method,
			"sender", sender.String(),
			"state", resp.State,
			"elapsed", elapsed,
			"input", string(req.Input),
		}
		if resp.State == StateSuccess {
			attrs = append(attrs, "output", string(resp.Output))
		}
		if resp.State == StateErrored {
			attrs = append(attrs, "error", resp.Error)
			s.logger.Warn("← rpc call failed", attrs...)
		} else {
			s.logger.Info("← rpc call", attrs...)
		}
	}
	return resp
}

// safeCall runs h, turning a panic into an error.
func safeCall(ctx context.Context, h HandlerFunc, input json.RawMessage, call *Call) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", call.method, r)
		}
	}()
	out, err = h(ctx, input, call)
	if err == nil && len(out) == 0 {
		out = json.RawMessage("null")
	}
	return out, err
}

func encodeResponse(resp Response) json.RawMessage {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Errored("encoding response: " + err.Error()))
	}
	return data
}

// Call is the per-request view a handler gets of the server.
type Call struct {
	sender transport.Destination
	method string
	server *Server

	mu  sync.Mutex
	ctx Context
}

// Sender returns the destination the request came from.
func (c *Call) Sender() transport.Destination { return c.sender }

// Method returns the method being handled.
func (c *Call) Method() string { return c.method }

// Context returns a copy of the context the response will carry.
func (c *Call) Context() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.Clone()
}

// SetContext replaces the context the response will carry.
func (c *Call) SetContext(ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx.Clone()
}

// SetBaseContext replaces the server's base context, seeding later calls.
// The current call's context is unchanged.
func (c *Call) SetBaseContext(ctx Context) {
	c.server.SetBaseContext(ctx)
}
