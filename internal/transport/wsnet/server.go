// ABOUTME: Websocket endpoint that bridges remote peers into an in-process hub
// ABOUTME: Authenticates peers with JWTs and forwards requests in both directions

package wsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/transport"
)

// ServerConfig contains configuration options for the Server.
type ServerConfig struct {
	Hub *transport.Hub
	// Verifier authenticates peers. Nil disables authentication, in which
	// case peers name their destination with the "dest" query parameter.
	Verifier *TokenVerifier
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Server accepts websocket peers and attaches each one to the hub as an
// endpoint, so peers reach the background and each other exactly as
// in-process endpoints do.
type Server struct {
	hub      *transport.Hub
	verifier *TokenVerifier
	logger   *slog.Logger
	timeout  time.Duration
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		logger:   logger.With("component", "wsnet"),
		timeout:  cfg.Timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		peers: make(map[string]*peer),
	}
}

// authenticate resolves the destination the request is allowed to occupy.
func (s *Server) authenticate(r *http.Request) (transport.Destination, error) {
	if s.verifier == nil {
		raw := r.URL.Query().Get("dest")
		if raw == "" {
			return transport.Destination{}, errors.New("dest query parameter required")
		}
		var dest transport.Destination
		if err := json.Unmarshal([]byte(raw), &dest); err != nil {
			return transport.Destination{}, err
		}
		return dest, nil
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return transport.Destination{}, ErrInvalidToken
	}
	return s.verifier.Verify(token)
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dest, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("rejecting websocket peer", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if dest.Kind == transport.KindBackground {
		http.Error(w, "background destination is reserved", http.StatusForbidden)
		return
	}

	ep, err := s.hub.Connect(dest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer ep.Close()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "destination", dest.String(), "error", err)
		return
	}

	p := newPeer(ws, s.timeout, s.logger.With("destination", dest.Key()))
	p.handle = func(ctx context.Context, f frame) frame {
		return s.handleFrame(ctx, ep, f)
	}

	if err := p.write(frame{Type: frameWelcome, From: &dest}); err != nil {
		p.close()
		return
	}

	// Messages addressed to this peer's endpoint are forwarded over the socket.
	ep.OnMessage(func(ctx context.Context, msg transport.Message, reply transport.ReplyFunc) bool {
		from := msg.From
		go func() {
			resp, err := p.request(ctx, frame{Type: frameRequest, From: &from, Payload: msg.Payload})
			if err != nil {
				if errors.Is(err, ErrDisconnected) {
					// ep.Close fails the sender with ErrPortClosed
					return
				}
				reply(nil, fmt.Errorf("forwarding to %s: %w", dest.Key(), err))
				return
			}
			if err := resp.err(); err != nil {
				reply(nil, err)
				return
			}
			reply(resp.Payload, nil)
		}()
		return true
	})

	s.mu.Lock()
	s.peers[dest.Key()] = p
	s.mu.Unlock()

	s.logger.Info("=== PEER CONNECTED ===", "destination", dest.String(), "remote_addr", r.RemoteAddr)
	p.readLoop()

	s.mu.Lock()
	if cur, ok := s.peers[dest.Key()]; ok && cur == p {
		delete(s.peers, dest.Key())
	}
	s.mu.Unlock()

	s.logger.Info("=== PEER DISCONNECTED ===", "destination", dest.String())
}

// handleFrame answers a request or candidates frame sent by a peer.
func (s *Server) handleFrame(ctx context.Context, ep *transport.Endpoint, f frame) frame {
	switch f.Type {
	case frameRequest:
		if f.To == nil {
			return frame{Code: codeFailed, Error: "request frame without destination"}
		}
		reply, err := ep.Send(ctx, *f.To, f.Payload)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Payload: reply}
	case frameCandidates:
		var q transport.Query
		if f.Query != nil {
			q = *f.Query
		}
		candidates, err := s.hub.Candidates(ctx, q)
		if err != nil {
			return errorFrame(err)
		}
		payload, err := json.Marshal(candidates)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Payload: payload}
	default:
		return frame{Code: codeFailed, Error: "unsupported frame type " + string(f.Type)}
	}
}

// Peers returns the destinations of connected peers.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.peers)
}

// Close disconnects every peer.
func (s *Server) Close() {
	s.mu.Lock()
	peers := lo.Values(s.peers)
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	s.logger.Info("websocket server closed", "peers_closed", len(peers))
}
