// ABOUTME: Content catalog: handler interface, a frame-describing implementation and typed client
// ABOUTME: Content scripts register it on their own transport endpoint

package catalog

import (
	"context"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/transport"
)

// Content is implemented by content scripts.
type Content interface {
	Ping(ctx context.Context, call *bus.Call) (bool, error)
	FrameInfo(ctx context.Context, call *bus.Call) (FrameInfo, error)
}

// ContentMethods lists the names of the content catalog.
func ContentMethods() []string {
	return []string{ContentPing.Name, ContentFrameInfo.Name}
}

// RegisterContent registers impl for every content method on srv.
func RegisterContent(srv *bus.Server, impl Content) {
	bus.Handle(srv, ContentPing, noInput(impl.Ping))
	bus.Handle(srv, ContentFrameInfo, noInput(impl.FrameInfo))
}

// Frame answers the content catalog for one frame.
type Frame struct {
	Self transport.Destination
}

func (f Frame) Ping(context.Context, *bus.Call) (bool, error) { return true, nil }

func (f Frame) FrameInfo(context.Context, *bus.Call) (FrameInfo, error) {
	return FrameInfoOf(f.Self), nil
}

// ContentClient calls the content catalog.
type ContentClient struct {
	c bus.Caller
}

// NewContentClient wraps c, usually from bus.AddressedClient.To or At.
func NewContentClient(c bus.Caller) *ContentClient {
	return &ContentClient{c: c}
}

func (cc *ContentClient) Ping(ctx context.Context, opts ...bus.CallOption) (bool, error) {
	out, _, err := bus.Invoke(ctx, cc.c, ContentPing, Empty{}, opts...)
	return out, err
}

func (cc *ContentClient) FrameInfo(ctx context.Context, opts ...bus.CallOption) (FrameInfo, error) {
	out, _, err := bus.Invoke(ctx, cc.c, ContentFrameInfo, Empty{}, opts...)
	return out, err
}
