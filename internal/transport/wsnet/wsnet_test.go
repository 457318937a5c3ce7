// ABOUTME: Tests for the websocket transport bridge
// ABOUTME: Covers auth, forwarding in both directions, candidates and disconnect handling

package wsnet

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/transport"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testRelay struct {
	hub      *transport.Hub
	bg       *transport.Endpoint
	server   *Server
	http     *httptest.Server
	verifier *TokenVerifier
}

func setupRelay(t *testing.T) *testRelay {
	t.Helper()
	return setupRelayWithTimeout(t, 2*time.Second)
}

func setupRelayWithTimeout(t *testing.T, timeout time.Duration) *testRelay {
	t.Helper()
	verifier, err := NewTokenVerifier([]byte(testSecret))
	require.NoError(t, err)

	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Hub: hub, Verifier: verifier, Timeout: timeout})
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		bg.Close()
	})
	return &testRelay{hub: hub, bg: bg, server: srv, http: hs, verifier: verifier}
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http")
}

func (r *testRelay) dial(t *testing.T, dest transport.Destination) *Conn {
	t.Helper()
	token, err := r.verifier.Generate(dest, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, DialConfig{URL: r.url(), Token: token, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echo(prefix string) transport.Listener {
	return func(_ context.Context, msg transport.Message, reply transport.ReplyFunc) bool {
		var s string
		_ = json.Unmarshal(msg.Payload, &s)
		out, _ := json.Marshal(prefix + s + " from " + msg.From.Key())
		reply(out, nil)
		return true
	}
}

func TestConn_SendToBackground(t *testing.T) {
	r := setupRelay(t)
	r.bg.OnMessage(echo("bg:"))

	c := r.dial(t, transport.UI("popup"))
	assert.Equal(t, transport.UI("popup"), c.Self())

	reply, err := c.Send(context.Background(), transport.Background(), json.RawMessage(`"hello"`))
	require.NoError(t, err)
	assert.Equal(t, `"bg:hello from ui:popup"`, string(reply))
}

func TestConn_BackgroundSendsToPeer(t *testing.T) {
	r := setupRelay(t)
	tab := transport.Tab(5, 0, "https://video.example.com/")
	c := r.dial(t, tab)
	c.OnMessage(echo("tab:"))

	reply, err := r.bg.Send(context.Background(), tab, json.RawMessage(`"ping"`))
	require.NoError(t, err)
	assert.Equal(t, `"tab:ping from background"`, string(reply))
}

func TestConn_UnclaimedAtPeerIsNilReply(t *testing.T) {
	r := setupRelay(t)
	tab := transport.Tab(5, 0, "")
	c := r.dial(t, tab)
	c.OnMessage(func(context.Context, transport.Message, transport.ReplyFunc) bool { return false })

	reply, err := r.bg.Send(context.Background(), tab, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestConn_PeerTimeoutIsTransportError(t *testing.T) {
	r := setupRelayWithTimeout(t, 100*time.Millisecond)
	tab := transport.Tab(6, 0, "")
	c := r.dial(t, tab)
	c.OnMessage(func(_ context.Context, _ transport.Message, reply transport.ReplyFunc) bool {
		go func() {
			time.Sleep(500 * time.Millisecond)
			reply(json.RawMessage(`"late"`), nil)
		}()
		return true
	})

	reply, err := r.bg.Send(context.Background(), tab, json.RawMessage(`{}`))
	require.Error(t, err, "a timed out hop must not look unclaimed")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, reply)
}

func TestConn_PeerReplyErrorSurvivesHop(t *testing.T) {
	r := setupRelay(t)
	tab := transport.Tab(7, 0, "")
	c := r.dial(t, tab)
	c.OnMessage(func(_ context.Context, _ transport.Message, reply transport.ReplyFunc) bool {
		reply(nil, transport.ErrNoReceiver)
		return true
	})

	_, err := r.bg.Send(context.Background(), tab, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, transport.ErrNoReceiver)
}

func TestConn_NoReceiverSurvivesHop(t *testing.T) {
	r := setupRelay(t)
	c := r.dial(t, transport.UI("popup"))

	_, err := c.Send(context.Background(), transport.Tab(99, 0, ""), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, transport.ErrNoReceiver)
}

func TestConn_Candidates(t *testing.T) {
	r := setupRelay(t)
	r.dial(t, transport.Tab(3, 0, "https://a.example.com/x"))
	r.dial(t, transport.Tab(3, 1, "https://ads.example.net/frame"))
	ui := r.dial(t, transport.UI("popup"))

	got, err := ui.Candidates(context.Background(), transport.Query{Kind: transport.KindContent, TabID: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].FrameID)
	assert.Equal(t, "https://a.example.com/x", got[0].URL)
}

func TestConn_PeerDisconnectFailsSender(t *testing.T) {
	r := setupRelay(t)
	tab := transport.Tab(8, 0, "")
	c := r.dial(t, tab)
	c.OnMessage(func(context.Context, transport.Message, transport.ReplyFunc) bool {
		go func() { _ = c.Close() }()
		return true
	})

	_, err := r.bg.Send(context.Background(), tab, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, transport.ErrPortClosed)

	require.Eventually(t, func() bool { return len(r.server.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RejectsBadToken(t *testing.T) {
	r := setupRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, DialConfig{URL: r.url(), Token: "not-a-token"})
	assert.Error(t, err)
}

func TestServer_RejectsBackgroundPeer(t *testing.T) {
	r := setupRelay(t)
	token, err := r.verifier.Generate(transport.Background(), time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, DialConfig{URL: r.url(), Token: token})
	assert.Error(t, err)
}

func TestServer_WithoutAuth(t *testing.T) {
	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)
	defer bg.Close()
	bg.OnMessage(echo(""))

	srv := NewServer(ServerConfig{Hub: hub})
	hs := httptest.NewServer(srv)
	defer hs.Close()
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, DialConfig{URL: "ws" + strings.TrimPrefix(hs.URL, "http"), Dest: transport.UI("options")})
	require.NoError(t, err)
	defer c.Close()

	reply, err := c.Send(ctx, transport.Background(), json.RawMessage(`"x"`))
	require.NoError(t, err)
	assert.Equal(t, `"x from ui:options"`, string(reply))
}
