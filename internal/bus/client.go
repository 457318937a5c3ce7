// ABOUTME: Bus clients that send requests over a transport and decode responses
// ABOUTME: Client targets a fixed destination; AddressedClient resolves one per call

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/transport"
)

// Result is the outcome of a successful call.
type Result struct {
	Data    json.RawMessage
	Context Context
}

// CallOption adjusts the options of a single request.
type CallOption func(*RequestOptions)

// WithSilent asks the server not to log the request.
func WithSilent() CallOption {
	return func(o *RequestOptions) { o.Silent = true }
}

// Caller makes bus calls. Both client flavors implement it.
type Caller interface {
	Call(ctx context.Context, method string, input any, opts ...CallOption) (Result, error)
}

// Invoke calls m through c and decodes the output.
func Invoke[In, Out any](ctx context.Context, c Caller, m Method[In, Out], in In, opts ...CallOption) (Out, Context, error) {
	var out Out
	res, err := c.Call(ctx, m.Name, in, opts...)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, res.Context, fmt.Errorf("rpc: %s: decoding output: %w", m.Name, err)
	}
	return out, res.Context, nil
}

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Transport transport.Transport
	// Destination defaults to the background context.
	Destination transport.Destination
	// Timeout bounds each call. Zero waits until ctx ends.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *Metrics
}

// Client sends every call to one fixed destination.
type Client struct {
	caller
	to transport.Destination
}

// NewClient creates a Client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	to := cfg.Destination
	if to.Kind == "" {
		to = transport.Background()
	}
	return &Client{caller: newCaller(cfg.Transport, cfg.Timeout, cfg.Logger, cfg.Metrics), to: to}
}

// Destination returns where calls are sent.
func (c *Client) Destination() transport.Destination { return c.to }

// Call sends method with input and waits for the response.
func (c *Client) Call(ctx context.Context, method string, input any, opts ...CallOption) (Result, error) {
	return c.roundTrip(ctx, c.to, method, input, opts)
}

// Selector picks the destination of an addressed call from the candidates.
type Selector func(candidates []transport.Destination) (transport.Destination, bool)

// FirstMatch selects the first candidate.
func FirstMatch(candidates []transport.Destination) (transport.Destination, bool) {
	if len(candidates) == 0 {
		return transport.Destination{}, false
	}
	return candidates[0], true
}

// AddressedConfig contains configuration options for the AddressedClient.
type AddressedConfig struct {
	Transport  transport.Transport
	Enumerator transport.Enumerator
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *Metrics
}

// AddressedClient resolves the destination of each call from the
// destinations currently reachable.
type AddressedClient struct {
	caller
	enum transport.Enumerator
}

// NewAddressedClient creates an AddressedClient with the given configuration.
func NewAddressedClient(cfg AddressedConfig) *AddressedClient {
	return &AddressedClient{
		caller: newCaller(cfg.Transport, cfg.Timeout, cfg.Logger, cfg.Metrics),
		enum:   cfg.Enumerator,
	}
}

// To returns a Caller targeting the destination sel picks among those
// matching q. A nil sel means FirstMatch.
func (a *AddressedClient) To(q transport.Query, sel Selector) Caller {
	if sel == nil {
		sel = FirstMatch
	}
	return &addressed{client: a, query: q, sel: sel}
}

// At returns a Caller targeting dest directly.
func (a *AddressedClient) At(dest transport.Destination) Caller {
	return &Client{caller: a.caller, to: dest}
}

type addressed struct {
	client *AddressedClient
	query  transport.Query
	sel    Selector
}

func (t *addressed) Call(ctx context.Context, method string, input any, opts ...CallOption) (Result, error) {
	start := time.Now()
	candidates, err := t.client.enum.Candidates(ctx, t.query)
	if err != nil {
		t.client.metrics.observeCall(method, outcomeTransport, time.Since(start))
		return Result{}, &TransportError{Method: method, Err: fmt.Errorf("enumerating destinations: %w", err)}
	}
	dest, ok := t.sel(candidates)
	if !ok {
		t.client.metrics.observeCall(method, outcomeUnroutable, time.Since(start))
		return Result{}, fmt.Errorf("rpc: %s: %w", method, ErrNoDestination)
	}
	return t.client.roundTrip(ctx, dest, method, input, opts)
}

// caller holds what both client flavors share.
type caller struct {
	t       transport.Transport
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

func newCaller(t transport.Transport, timeout time.Duration, logger *slog.Logger, m *Metrics) caller {
	if logger == nil {
		logger = slog.Default()
	}
	return caller{t: t, timeout: timeout, logger: logger.With("component", "bus_client"), metrics: m}
}

// roundTrip sends one request to dest and maps the response to a result.
func (c caller) roundTrip(ctx context.Context, dest transport.Destination, method string, input any, opts []CallOption) (Result, error) {
	req := Request{Method: method}
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return Result{}, fmt.Errorf("rpc: %s: encoding input: %w", method, err)
		}
		req.Input = raw
	}
	if len(opts) > 0 {
		req.Options = &RequestOptions{}
		for _, opt := range opts {
			opt(req.Options)
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("rpc: %s: encoding request: %w", method, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := c.t.Send(ctx, dest, payload)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.observeCall(method, outcomeTransport, elapsed)
		c.logger.Debug("rpc transport failure", "method", method, "destination", dest.String(), "error", err)
		return Result{}, &TransportError{Method: method, Message: payload, Err: err}
	}
	if reply == nil {
		c.metrics.observeCall(method, outcomeNoResponse, elapsed)
		return Result{}, &TransportError{Method: method, Message: payload, Err: ErrNoResponse}
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		c.metrics.observeCall(method, outcomeInvalid, elapsed)
		return Result{}, &TransportError{Method: method, Message: payload, Err: fmt.Errorf("%w: %v", ErrInvalidResponse, err)}
	}
	if err := resp.Validate(); err != nil {
		c.metrics.observeCall(method, outcomeInvalid, elapsed)
		return Result{}, &TransportError{Method: method, Message: payload, Err: err}
	}
	c.metrics.observeCall(method, string(resp.State), elapsed)

	switch resp.State {
	case StateErrored:
		return Result{}, &RemoteError{Method: method, Message: resp.Error}
	case StateIgnored:
		return Result{}, &DeclinedError{Method: method}
	}
	rctx := resp.Context
	if rctx == nil {
		rctx = Context{}
	}
	return Result{Data: resp.Output, Context: rctx}, nil
}
