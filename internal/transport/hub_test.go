// ABOUTME: Tests for the in-process transport hub
// ABOUTME: Covers delivery, claiming, async replies, disconnects and candidate enumeration

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, h *Hub, d Destination) *Endpoint {
	t.Helper()
	e, err := h.Connect(d)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestHub_SendToMissingDestination(t *testing.T) {
	h := NewHub(nil)
	ui := connect(t, h, UI("popup"))

	_, err := ui.Send(context.Background(), Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestHub_DuplicateConnect(t *testing.T) {
	h := NewHub(nil)
	connect(t, h, Background())

	_, err := h.Connect(Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestHub_UnclaimedMessageHasNoReply(t *testing.T) {
	h := NewHub(nil)
	bg := connect(t, h, Background())
	ui := connect(t, h, UI("popup"))

	bg.OnMessage(func(context.Context, Message, ReplyFunc) bool { return false })

	reply, err := ui.Send(context.Background(), Background(), json.RawMessage(`"hi"`))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHub_FirstClaimingListenerReplies(t *testing.T) {
	h := NewHub(nil)
	bg := connect(t, h, Background())
	ui := connect(t, h, UI("options"))

	var seenFrom Destination
	bg.OnMessage(func(context.Context, Message, ReplyFunc) bool { return false })
	bg.OnMessage(func(_ context.Context, msg Message, reply ReplyFunc) bool {
		seenFrom = msg.From
		go reply(json.RawMessage(`"second"`), nil)
		return true
	})
	bg.OnMessage(func(_ context.Context, _ Message, reply ReplyFunc) bool {
		reply(json.RawMessage(`"third"`), nil)
		return true
	})

	reply, err := ui.Send(context.Background(), Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(reply))
	assert.Equal(t, UI("options"), seenFrom)
}

func TestHub_RemoveListener(t *testing.T) {
	h := NewHub(nil)
	bg := connect(t, h, Background())
	ui := connect(t, h, UI("popup"))

	remove := bg.OnMessage(func(_ context.Context, _ Message, reply ReplyFunc) bool {
		reply(json.RawMessage(`1`), nil)
		return true
	})
	assert.Equal(t, 1, bg.ListenerCount())
	remove()
	assert.Equal(t, 0, bg.ListenerCount())

	reply, err := ui.Send(context.Background(), Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHub_ReplyError(t *testing.T) {
	h := NewHub(nil)
	bg := connect(t, h, Background())
	ui := connect(t, h, UI("popup"))

	hopFailed := errors.New("next hop timed out")
	bg.OnMessage(func(_ context.Context, _ Message, reply ReplyFunc) bool {
		go func() {
			reply(nil, hopFailed)
			reply(json.RawMessage(`"ignored"`), nil)
		}()
		return true
	})

	reply, err := ui.Send(context.Background(), Background(), nil)
	assert.ErrorIs(t, err, hopFailed)
	assert.Nil(t, reply)
}

func TestHub_ReceiverClosesBeforeReply(t *testing.T) {
	h := NewHub(nil)
	bg, err := h.Connect(Background())
	require.NoError(t, err)
	ui := connect(t, h, UI("popup"))

	bg.OnMessage(func(context.Context, Message, ReplyFunc) bool {
		go func() {
			time.Sleep(10 * time.Millisecond)
			bg.Close()
		}()
		return true
	})

	_, err = ui.Send(context.Background(), Background(), nil)
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestHub_SendHonorsContext(t *testing.T) {
	h := NewHub(nil)
	bg := connect(t, h, Background())
	ui := connect(t, h, UI("popup"))

	bg.OnMessage(func(context.Context, Message, ReplyFunc) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ui.Send(ctx, Background(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_SendAfterClose(t *testing.T) {
	h := NewHub(nil)
	connect(t, h, Background())
	ui, err := h.Connect(UI("popup"))
	require.NoError(t, err)
	ui.Close()

	_, err = ui.Send(context.Background(), Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)

	// the destination is free again
	_, err = h.Connect(UI("popup"))
	assert.NoError(t, err)
}

func TestHub_Candidates(t *testing.T) {
	h := NewHub(nil)
	connect(t, h, Background())
	connect(t, h, Tab(7, 3, "https://video.example.com/watch"))
	connect(t, h, Tab(7, 0, "https://video.example.com/watch"))
	connect(t, h, Tab(2, 0, "https://other.example.org/"))

	all, err := h.Candidates(context.Background(), Query{Kind: KindContent})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 2, all[0].TabID)
	assert.Equal(t, 0, all[1].FrameID)
	assert.Equal(t, 3, all[2].FrameID)

	top := 0
	tab7, err := h.Candidates(context.Background(), Query{TabID: 7, FrameID: &top})
	require.NoError(t, err)
	require.Len(t, tab7, 1)
	assert.Equal(t, Tab(7, 0, "https://video.example.com/watch"), tab7[0])

	byURL, err := h.Candidates(context.Background(), Query{URL: "https://*.example.com/*"})
	require.NoError(t, err)
	assert.Len(t, byURL, 2)
}

func TestDestination_Key(t *testing.T) {
	assert.Equal(t, "background", Background().Key())
	assert.Equal(t, "content:4:1", Tab(4, 1, "https://x").Key())
	assert.Equal(t, "ui:popup", UI("popup").Key())
	assert.Equal(t, "content:4:1 (https://x)", Tab(4, 1, "https://x").String())
}
