// ABOUTME: Client side of the websocket transport for content and UI processes
// ABOUTME: Implements transport.Transport and transport.Enumerator over one socket

package wsnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/transport"
)

// DialConfig contains configuration options for Dial.
type DialConfig struct {
	// URL is the websocket endpoint, e.g. ws://127.0.0.1:8787/ws.
	URL string
	// Token authenticates the peer. When the server runs without auth,
	// Dest is sent as a query parameter instead.
	Token   string
	Dest    transport.Destination
	Timeout time.Duration
	Logger  *slog.Logger
}

// Conn is a connected peer. It implements transport.Transport.
type Conn struct {
	peer      *peer
	self      transport.Destination
	listeners transport.Listeners
}

// Dial connects to a relay websocket endpoint and waits for the welcome
// frame naming this peer's destination.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing websocket url: %w", err)
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	} else {
		raw, err := json.Marshal(cfg.Dest)
		if err != nil {
			return nil, err
		}
		q := target.Query()
		q.Set("dest", string(raw))
		target.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}

	var welcome frame
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	if err := ws.ReadJSON(&welcome); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("reading welcome frame: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if welcome.Type != frameWelcome || welcome.From == nil {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}

	c := &Conn{self: *welcome.From}
	c.peer = newPeer(ws, cfg.Timeout, logger.With("component", "wsnet", "destination", c.self.Key()))
	c.peer.handle = c.handleFrame
	go c.peer.readLoop()

	logger.Debug("connected to relay", "url", cfg.URL, "destination", c.self.String())
	return c, nil
}

// handleFrame delivers a request forwarded by the server to local listeners.
func (c *Conn) handleFrame(ctx context.Context, f frame) frame {
	if f.Type != frameRequest {
		return frame{Code: codeFailed, Error: "unsupported frame type " + string(f.Type)}
	}
	var from transport.Destination
	if f.From != nil {
		from = *f.From
	}
	reply, _, err := c.listeners.Dispatch(ctx, transport.Message{From: from, Payload: f.Payload}, c.peer.closed)
	if err != nil {
		return errorFrame(err)
	}
	return frame{Payload: reply}
}

// Self returns the destination granted by the server.
func (c *Conn) Self() transport.Destination { return c.self }

// Send delivers payload through the server to another destination.
func (c *Conn) Send(ctx context.Context, to transport.Destination, payload json.RawMessage) (json.RawMessage, error) {
	resp, err := c.peer.request(ctx, frame{Type: frameRequest, To: &to, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// OnMessage registers a listener for messages addressed to this peer.
func (c *Conn) OnMessage(l transport.Listener) func() {
	return c.listeners.Add(l)
}

// Candidates asks the server which destinations match q.
func (c *Conn) Candidates(ctx context.Context, q transport.Query) ([]transport.Destination, error) {
	resp, err := c.peer.request(ctx, frame{Type: frameCandidates, Query: &q})
	if err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	var out []transport.Destination
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	return out, nil
}

// Done is closed when the connection drops.
func (c *Conn) Done() <-chan struct{} { return c.peer.closed }

// Close disconnects from the server.
func (c *Conn) Close() error {
	c.peer.close()
	return nil
}
