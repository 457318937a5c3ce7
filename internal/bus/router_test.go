package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/transport"
)

func setupRouter(t *testing.T, servers ...*Server) (*Router, *Client) {
	t.Helper()
	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)
	ui, err := hub.Connect(transport.UI("options"))
	require.NoError(t, err)
	t.Cleanup(func() {
		bg.Close()
		ui.Close()
	})

	r := NewRouter(nil)
	for _, s := range servers {
		r.Mount(s)
	}
	r.Listen(bg)
	t.Cleanup(r.Unlisten)
	return r, NewClient(ClientConfig{Transport: ui})
}

func TestRouter_ResponseStatesAreDistinguishable(t *testing.T) {
	srv := NewServer(ServerConfig{
		Filter: func(method string, _ json.RawMessage) bool { return method != "filtered" },
	})
	Handle(srv, pingMethod, func(context.Context, struct{}, *Call) (bool, error) { return true, nil })
	Handle(srv, Define[struct{}, bool]("declined"), func(context.Context, struct{}, *Call) (bool, error) {
		return false, ErrIgnored
	})
	Handle(srv, Define[struct{}, bool]("filtered"), func(context.Context, struct{}, *Call) (bool, error) {
		return true, nil
	})
	_, client := setupRouter(t, srv)
	ctx := context.Background()

	res, err := client.Call(ctx, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(res.Data))

	_, unknownErr := client.Call(ctx, "foo/bar", nil)
	require.Error(t, unknownErr)
	assert.Contains(t, unknownErr.Error(), "Unknown method: foo/bar")
	assert.ErrorIs(t, unknownErr, ErrUnknownMethod)

	_, declinedErr := client.Call(ctx, "declined", nil)
	require.Error(t, declinedErr)
	assert.ErrorIs(t, declinedErr, ErrIgnored)
	assert.NotErrorIs(t, declinedErr, ErrUnknownMethod)
	assert.NotEqual(t, unknownErr.Error(), declinedErr.Error())

	_, filteredErr := client.Call(ctx, "filtered", nil)
	assert.ErrorIs(t, filteredErr, ErrNoResponse)
}

func TestRouter_MultipleServers(t *testing.T) {
	a := NewServer(ServerConfig{Name: "options"})
	Handle(a, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return "a:" + in, nil })
	b := NewServer(ServerConfig{Name: "provider"})
	Handle(b, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return "b:" + in, nil })
	Handle(b, pingMethod, func(context.Context, struct{}, *Call) (bool, error) { return true, nil })

	r, client := setupRouter(t, a, b)
	ctx := context.Background()

	out, _, err := Invoke(ctx, client, echoMethod, "x")
	require.NoError(t, err)
	assert.Equal(t, "a:x", out, "first mounted server wins")

	ok, _, err := Invoke(ctx, client, pingMethod, struct{}{})
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, r.Unmount(a))
	assert.False(t, r.Unmount(a))

	out, _, err = Invoke(ctx, client, echoMethod, "x")
	require.NoError(t, err)
	assert.Equal(t, "b:x", out)

	require.True(t, r.Unmount(b))
	_, _, err = Invoke(ctx, client, pingMethod, struct{}{})
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.Contains(t, err.Error(), "ping")
}

func TestRouter_MountTwiceIsNoop(t *testing.T) {
	s := NewServer(ServerConfig{})
	r := NewRouter(nil)
	r.Mount(s)
	r.Mount(s)
	assert.True(t, r.Unmount(s))
	assert.False(t, r.Unmount(s))
}

func TestRouter_IgnoresNonBusPayloads(t *testing.T) {
	hub := transport.NewHub(nil)
	bg, err := hub.Connect(transport.Background())
	require.NoError(t, err)
	defer bg.Close()
	ui, err := hub.Connect(transport.UI("popup"))
	require.NoError(t, err)
	defer ui.Close()

	r := NewRouter(nil)
	r.Listen(bg)
	defer r.Unlisten()

	reply, err := ui.Send(context.Background(), transport.Background(), json.RawMessage(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestServer_DispatchDirect(t *testing.T) {
	s := NewServer(ServerConfig{})
	Handle(s, echoMethod, func(_ context.Context, in string, _ *Call) (string, error) { return in, nil })

	resp, ok := s.Dispatch(context.Background(), transport.UI("cli"), Request{Method: "echo", Input: json.RawMessage(`"hey"`)})
	require.True(t, ok)
	assert.Equal(t, StateSuccess, resp.State)
	assert.JSONEq(t, `"hey"`, string(resp.Output))

	resp, ok = s.Dispatch(context.Background(), transport.UI("cli"), Request{Method: "nope"})
	require.True(t, ok)
	assert.Equal(t, StateErrored, resp.State)
	assert.Equal(t, "Unknown method: nope", resp.Error)

	assert.Equal(t, []string{"echo"}, s.Methods())
}
