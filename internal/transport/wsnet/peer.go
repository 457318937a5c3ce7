// ABOUTME: Framed websocket connection with request/reply correlation
// ABOUTME: Tracks pending requests by ID and fails them all when the socket drops

package wsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/transport"
)

// ErrDisconnected indicates the websocket closed while a request was pending.
var ErrDisconnected = errors.New("peer disconnected")

// ErrDuplicateRequestID indicates the request ID is already in use.
var ErrDuplicateRequestID = errors.New("duplicate request ID")

// DefaultTimeout bounds how long a frame waits for its reply.
const DefaultTimeout = 30 * time.Second

type frameType string

const (
	frameWelcome    frameType = "welcome"
	frameRequest    frameType = "request"
	frameCandidates frameType = "candidates"
	frameReply      frameType = "reply"
)

// Error codes carried in reply frames so sentinel errors survive the hop.
const (
	codeNoReceiver = "no_receiver"
	codePortClosed = "port_closed"
	codeFailed     = "failed"
)

type frame struct {
	Type    frameType              `json:"type"`
	ID      string                 `json:"id,omitempty"`
	From    *transport.Destination `json:"from,omitempty"`
	To      *transport.Destination `json:"to,omitempty"`
	Query   *transport.Query       `json:"query,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func errorFrame(err error) frame {
	code := codeFailed
	switch {
	case errors.Is(err, transport.ErrNoReceiver):
		code = codeNoReceiver
	case errors.Is(err, transport.ErrPortClosed):
		code = codePortClosed
	}
	return frame{Code: code, Error: err.Error()}
}

func (f frame) err() error {
	switch f.Code {
	case "":
		return nil
	case codeNoReceiver:
		return transport.ErrNoReceiver
	case codePortClosed:
		return transport.ErrPortClosed
	default:
		return errors.New(f.Error)
	}
}

// peer wraps one websocket with a single writer and a pending-reply table.
type peer struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	// handle answers inbound request and candidates frames.
	handle func(ctx context.Context, f frame) frame

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(ws *websocket.Conn, timeout time.Duration, logger *slog.Logger) *peer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &peer{
		ws:      ws,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan frame),
		closed:  make(chan struct{}),
	}
}

func (p *peer) write(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteJSON(f)
}

// request sends f and waits for the correlated reply.
func (p *peer) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.New().String()

	respCh, err := p.createPending(f.ID)
	if err != nil {
		return frame{}, err
	}
	defer p.closePending(f.ID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.write(f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return frame{}, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		p.logger.Warn("websocket request timed out or cancelled",
			"request_id", f.ID,
			"type", f.Type,
			"error", ctx.Err(),
		)
		return frame{}, ctx.Err()
	}
}

func (p *peer) createPending(id string) (chan frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.closed:
		return nil, ErrDisconnected
	default:
	}
	if _, exists := p.pending[id]; exists {
		return nil, ErrDuplicateRequestID
	}
	ch := make(chan frame, 1)
	p.pending[id] = ch
	return ch, nil
}

func (p *peer) closePending(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.pending[id]; ok {
		close(ch)
		delete(p.pending, id)
	}
}

// resolve routes a reply frame to its waiting request.
func (p *peer) resolve(f frame) {
	// Hold the lock while sending so closePending cannot close the channel
	// between lookup and send.
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.pending[f.ID]
	if !ok {
		p.logger.Warn("received reply for unknown request", "request_id", f.ID)
		return
	}
	select {
	case ch <- f:
	default:
		p.logger.Warn("reply channel full, dropping reply", "request_id", f.ID)
	}
}

// readLoop reads frames until the socket fails, then closes the peer.
func (p *peer) readLoop() {
	defer p.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		var f frame
		if err := p.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		switch f.Type {
		case frameReply:
			p.resolve(f)
		case frameRequest, frameCandidates:
			go func(req frame) {
				resp := p.handle(ctx, req)
				resp.Type = frameReply
				resp.ID = req.ID
				if err := p.write(resp); err != nil {
					p.logger.Debug("writing reply failed", "request_id", req.ID, "error", err)
				}
			}(f)
		default:
			p.logger.Warn("ignoring unexpected frame", "type", f.Type)
		}
	}
}

// close fails every pending request and closes the socket. Safe to call
// multiple times.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closed)
		for id, ch := range p.pending {
			close(ch)
			delete(p.pending, id)
		}
		p.mu.Unlock()

		p.writeMu.Lock()
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.writeMu.Unlock()
		_ = p.ws.Close()
	})
}
