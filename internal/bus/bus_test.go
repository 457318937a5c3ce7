// ABOUTME: Tests for bus servers and clients over the in-process hub
// ABOUTME: Covers every response state, context propagation, filters, logging and addressing

package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/transport"
)

var (
	pingMethod   = Define[struct{}, bool]("ping")
	echoMethod   = Define[string, string]("echo")
	secretMethod = Define[string, bool]("secret/store")
)

type fixture struct {
	hub    *transport.Hub
	bg     *transport.Endpoint
	ui     *transport.Endpoint
	srv    *Server
	client *Client
}

func setup(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)
	ui, err := hub.Connect(transport.UI("popup"))
	require.NoError(t, err)
	t.Cleanup(func() {
		bg.Close()
		ui.Close()
	})

	srv := NewServer(cfg)
	srv.Listen(bg)
	t.Cleanup(srv.Unlisten)

	return &fixture{
		hub:    hub,
		bg:     bg,
		ui:     ui,
		srv:    srv,
		client: NewClient(ClientConfig{Transport: ui}),
	}
}

func TestClient_PingRoundTrip(t *testing.T) {
	f := setup(t, ServerConfig{Name: "background"})
	Handle(f.srv, pingMethod, func(context.Context, struct{}, *Call) (bool, error) {
		return true, nil
	})

	res, err := f.client.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Data))
	assert.Equal(t, Context{}, res.Context)

	require.True(t, f.srv.Unhandle("ping"))

	_, err = f.client.Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestInvoke_Typed(t *testing.T) {
	f := setup(t, ServerConfig{})
	Handle(f.srv, echoMethod, func(_ context.Context, in string, call *Call) (string, error) {
		return in + " from " + call.Sender().Key(), nil
	})

	out, rctx, err := Invoke(context.Background(), f.client, echoMethod, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi from ui:popup", out)
	assert.NotNil(t, rctx)
}

func TestServer_ResponseStates(t *testing.T) {
	f := setup(t, ServerConfig{})
	Handle(f.srv, Define[struct{}, bool]("fails"), func(context.Context, struct{}, *Call) (bool, error) {
		return false, errors.New("disk full")
	})
	Handle(f.srv, Define[struct{}, bool]("declines"), func(context.Context, struct{}, *Call) (bool, error) {
		return false, ErrIgnored
	})
	Handle(f.srv, Define[struct{}, bool]("panics"), func(context.Context, struct{}, *Call) (bool, error) {
		panic("nil map")
	})

	ctx := context.Background()

	t.Run("errored", func(t *testing.T) {
		_, err := f.client.Call(ctx, "fails", nil)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "disk full", re.Message)
		assert.NotErrorIs(t, err, ErrUnknownMethod)
		assert.NotErrorIs(t, err, ErrIgnored)
	})

	t.Run("ignored", func(t *testing.T) {
		_, err := f.client.Call(ctx, "declines", nil)
		assert.ErrorIs(t, err, ErrIgnored)
		assert.Contains(t, err.Error(), "declines")
		assert.NotErrorIs(t, err, ErrUnknownMethod)
		assert.NotErrorIs(t, err, ErrTransport)
	})

	t.Run("panic is errored", func(t *testing.T) {
		_, err := f.client.Call(ctx, "panics", nil)
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Contains(t, re.Message, "panicked")
		assert.Contains(t, re.Message, "nil map")
	})

	t.Run("invalid input is errored", func(t *testing.T) {
		Handle(f.srv, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return in, nil })
		_, err := f.client.Call(ctx, "echo", map[string]int{"not": 1})
		var re *RemoteError
		require.ErrorAs(t, err, &re)
		assert.Contains(t, re.Message, "invalid input for echo")
	})
}

func TestServer_FilterDropsWithoutReply(t *testing.T) {
	f := setup(t, ServerConfig{
		Filter: func(method string, input json.RawMessage) bool {
			return string(input) != `"blocked"`
		},
	})
	Handle(f.srv, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return in, nil })

	out, _, err := Invoke(context.Background(), f.client, echoMethod, "allowed")
	require.NoError(t, err)
	assert.Equal(t, "allowed", out)

	_, _, err = Invoke(context.Background(), f.client, echoMethod, "blocked")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.NotErrorIs(t, err, ErrIgnored)
}

func TestServer_UnknownMethodPassesThrough(t *testing.T) {
	f := setup(t, ServerConfig{Name: "options"})
	Handle(f.srv, pingMethod, func(context.Context, struct{}, *Call) (bool, error) { return true, nil })

	other := NewServer(ServerConfig{Name: "provider"})
	Handle(other, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return "other:" + in, nil })
	other.Listen(f.bg)
	defer other.Unlisten()

	ok, _, err := Invoke(context.Background(), f.client, pingMethod, struct{}{})
	require.NoError(t, err)
	assert.True(t, ok)

	out, _, err := Invoke(context.Background(), f.client, echoMethod, "x")
	require.NoError(t, err)
	assert.Equal(t, "other:x", out)
}

func TestServer_ContextPropagation(t *testing.T) {
	f := setup(t, ServerConfig{BaseContext: Context{"provider": "alpha"}})

	setActive := Define[string, bool]("provider/setActive")
	getActive := Define[struct{}, string]("provider/getActive")

	Handle(f.srv, setActive, func(_ context.Context, name string, call *Call) (bool, error) {
		call.SetBaseContext(Context{"provider": name})
		return true, nil
	})
	Handle(f.srv, getActive, func(_ context.Context, _ struct{}, call *Call) (string, error) {
		p, _ := call.Context()["provider"].(string)
		return p, nil
	})
	Handle(f.srv, Define[struct{}, int]("options/revision"), func(_ context.Context, _ struct{}, call *Call) (int, error) {
		c := call.Context()
		c["revision"] = "r7"
		call.SetContext(c)
		return 7, nil
	})

	ctx := context.Background()

	got, rctx, err := Invoke(ctx, f.client, getActive, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)
	assert.Equal(t, "alpha", rctx["provider"])

	_, rctx, err = Invoke(ctx, f.client, setActive, "beta")
	require.NoError(t, err)
	assert.Equal(t, "alpha", rctx["provider"], "current call keeps its seed")

	got, _, err = Invoke(ctx, f.client, getActive, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "beta", got)

	res, err := f.client.Call(ctx, "options/revision", nil)
	require.NoError(t, err)
	assert.Equal(t, "r7", res.Context["revision"])
	assert.Equal(t, "beta", res.Context["provider"])
	assert.Equal(t, Context{"provider": "beta"}, f.srv.BaseContext())
}

func TestServer_SilentRequestsAreNotLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := setup(t, ServerConfig{Logger: logger, SilentMethods: []string{"secret/store"}})
	Handle(f.srv, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return in, nil })
	Handle(f.srv, secretMethod, func(context.Context, string, *Call) (bool, error) { return true, nil })

	ctx := context.Background()
	_, _, err := Invoke(ctx, f.client, echoMethod, "loud-value")
	require.NoError(t, err)
	_, _, err = Invoke(ctx, f.client, echoMethod, "quiet-value", WithSilent())
	require.NoError(t, err)
	_, _, err = Invoke(ctx, f.client, secretMethod, "hunter2")
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, "loud-value")
	assert.Contains(t, logs, "sender=ui:popup")
	assert.Contains(t, logs, "elapsed=")
	assert.NotContains(t, logs, "quiet-value")
	assert.NotContains(t, logs, "hunter2")
}

func TestClient_Timeout(t *testing.T) {
	f := setup(t, ServerConfig{})
	release := make(chan struct{})
	defer close(release)
	Handle(f.srv, pingMethod, func(context.Context, struct{}, *Call) (bool, error) {
		<-release
		return true, nil
	})

	client := NewClient(ClientConfig{Transport: f.ui, Timeout: 50 * time.Millisecond})
	_, err := client.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_NoReceiver(t *testing.T) {
	hub := transport.NewHub(nil)
	ui, err := hub.Connect(transport.UI("popup"))
	require.NoError(t, err)
	defer ui.Close()

	_, err = NewClient(ClientConfig{Transport: ui}).Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, transport.ErrNoReceiver)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.JSONEq(t, `{"method":"ping"}`, string(te.Message))
}

func TestClient_FailedHopIsTransportError(t *testing.T) {
	f := setup(t, ServerConfig{})
	f.bg.OnMessage(func(_ context.Context, _ transport.Message, reply transport.ReplyFunc) bool {
		go reply(nil, context.DeadlineExceeded)
		return true
	})

	_, err := f.client.Call(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNoResponse)
}

func TestClient_InvalidResponse(t *testing.T) {
	f := setup(t, ServerConfig{})
	f.bg.OnMessage(func(_ context.Context, _ transport.Message, reply transport.ReplyFunc) bool {
		reply(json.RawMessage(`{"state":"success"}`), nil)
		return true
	})

	_, err := f.client.Call(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestAddressedClient(t *testing.T) {
	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)
	defer bg.Close()

	frameInfo := Define[struct{}, string]("content/frameInfo")
	for _, d := range []transport.Destination{
		transport.Tab(1, 0, "https://a.example.com/"),
		transport.Tab(2, 0, "https://b.example.com/"),
		transport.Tab(2, 3, "https://ads.example.net/"),
	} {
		ep, err := hub.Connect(d)
		require.NoError(t, err)
		defer ep.Close()

		srv := NewServer(ServerConfig{Name: "content"})
		self := ep.Self()
		Handle(srv, frameInfo, func(context.Context, struct{}, *Call) (string, error) {
			return self.String(), nil
		})
		srv.Listen(ep)
	}

	client := NewAddressedClient(AddressedConfig{Transport: bg, Enumerator: hub})
	ctx := context.Background()

	t.Run("first match", func(t *testing.T) {
		out, _, err := Invoke(ctx, client.To(transport.Query{Kind: transport.KindContent, TabID: 2}, nil), frameInfo, struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "content:2:0 (https://b.example.com/)", out)
	})

	t.Run("custom selector", func(t *testing.T) {
		last := func(c []transport.Destination) (transport.Destination, bool) {
			if len(c) == 0 {
				return transport.Destination{}, false
			}
			return c[len(c)-1], true
		}
		out, _, err := Invoke(ctx, client.To(transport.Query{TabID: 2}, last), frameInfo, struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "content:2:3 (https://ads.example.net/)", out)
	})

	t.Run("url pattern", func(t *testing.T) {
		out, _, err := Invoke(ctx, client.To(transport.Query{URL: "https://a.example.com/*"}, nil), frameInfo, struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "content:1:0 (https://a.example.com/)", out)
	})

	t.Run("no destination", func(t *testing.T) {
		_, _, err := Invoke(ctx, client.To(transport.Query{TabID: 42}, nil), frameInfo, struct{}{})
		assert.ErrorIs(t, err, ErrNoDestination)
	})

	t.Run("fixed destination", func(t *testing.T) {
		out, _, err := Invoke(ctx, client.At(transport.Tab(1, 0, "")), frameInfo, struct{}{})
		require.NoError(t, err)
		assert.Equal(t, "content:1:0 (https://a.example.com/)", out)
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	f := setup(t, ServerConfig{Metrics: m})
	f.client = NewClient(ClientConfig{Transport: f.ui, Metrics: m})
	Handle(f.srv, pingMethod, func(context.Context, struct{}, *Call) (bool, error) { return true, nil })

	for n := 0; n < 3; n++ {
		_, err := f.client.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}
	_, err := f.client.Call(context.Background(), "missing", nil)
	require.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.handled.WithLabelValues("ping", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.calls.WithLabelValues("ping", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("missing", outcomeNoResponse)))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeHandled("ping", "success", time.Millisecond)
		m.observeCall("ping", "success", time.Millisecond)
	})
}
