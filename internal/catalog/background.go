// ABOUTME: Background catalog: handler interface, registration and typed client
// ABOUTME: Registration requires a handler for every background method

package catalog

import (
	"context"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/options"
)

// Background is implemented by the background context. Every method of the
// background catalog has exactly one handler here.
type Background interface {
	Ping(ctx context.Context, call *bus.Call) (bool, error)
	GetOptions(ctx context.Context, call *bus.Call) (options.Options, error)
	UpdateOptions(ctx context.Context, patch Patch, call *bus.Call) (options.Options, error)
	ResetOptions(ctx context.Context, call *bus.Call) (options.Options, error)
	GetActiveProvider(ctx context.Context, call *bus.Call) (string, error)
	SetActiveProvider(ctx context.Context, name string, call *bus.Call) (bool, error)
	Status(ctx context.Context, call *bus.Call) (Status, error)
	ProbeContent(ctx context.Context, req ProbeRequest, call *bus.Call) (FrameInfo, error)
}

// BackgroundMethods lists the names of the background catalog.
func BackgroundMethods() []string {
	return []string{
		Ping.Name,
		GetOptions.Name,
		UpdateOptions.Name,
		ResetOptions.Name,
		GetActiveProvider.Name,
		SetActiveProvider.Name,
		RelayStatus.Name,
		ProbeContent.Name,
	}
}

// noInput adapts a handler that takes no input.
func noInput[Out any](fn func(context.Context, *bus.Call) (Out, error)) func(context.Context, Empty, *bus.Call) (Out, error) {
	return func(ctx context.Context, _ Empty, call *bus.Call) (Out, error) {
		return fn(ctx, call)
	}
}

// RegisterBackground registers impl for every background method on srv.
func RegisterBackground(srv *bus.Server, impl Background) {
	bus.Handle(srv, Ping, noInput(impl.Ping))
	bus.Handle(srv, GetOptions, noInput(impl.GetOptions))
	bus.Handle(srv, UpdateOptions, impl.UpdateOptions)
	bus.Handle(srv, ResetOptions, noInput(impl.ResetOptions))
	bus.Handle(srv, GetActiveProvider, noInput(impl.GetActiveProvider))
	bus.Handle(srv, SetActiveProvider, impl.SetActiveProvider)
	bus.Handle(srv, RelayStatus, noInput(impl.Status))
	bus.Handle(srv, ProbeContent, impl.ProbeContent)
}

// BackgroundClient calls the background catalog.
type BackgroundClient struct {
	c bus.Caller
}

// NewBackgroundClient wraps c.
func NewBackgroundClient(c bus.Caller) *BackgroundClient {
	return &BackgroundClient{c: c}
}

func (b *BackgroundClient) Ping(ctx context.Context, opts ...bus.CallOption) (bool, error) {
	out, _, err := bus.Invoke(ctx, b.c, Ping, Empty{}, opts...)
	return out, err
}

// GetOptions also returns the response context, which carries the stored
// options version.
func (b *BackgroundClient) GetOptions(ctx context.Context, opts ...bus.CallOption) (options.Options, bus.Context, error) {
	return bus.Invoke(ctx, b.c, GetOptions, Empty{}, opts...)
}

func (b *BackgroundClient) UpdateOptions(ctx context.Context, patch Patch, opts ...bus.CallOption) (options.Options, error) {
	out, _, err := bus.Invoke(ctx, b.c, UpdateOptions, patch, opts...)
	return out, err
}

func (b *BackgroundClient) ResetOptions(ctx context.Context, opts ...bus.CallOption) (options.Options, error) {
	out, _, err := bus.Invoke(ctx, b.c, ResetOptions, Empty{}, opts...)
	return out, err
}

func (b *BackgroundClient) GetActiveProvider(ctx context.Context, opts ...bus.CallOption) (string, error) {
	out, _, err := bus.Invoke(ctx, b.c, GetActiveProvider, Empty{}, opts...)
	return out, err
}

func (b *BackgroundClient) SetActiveProvider(ctx context.Context, name string, opts ...bus.CallOption) (bool, error) {
	out, _, err := bus.Invoke(ctx, b.c, SetActiveProvider, name, opts...)
	return out, err
}

func (b *BackgroundClient) Status(ctx context.Context, opts ...bus.CallOption) (Status, error) {
	out, _, err := bus.Invoke(ctx, b.c, RelayStatus, Empty{}, opts...)
	return out, err
}

func (b *BackgroundClient) ProbeContent(ctx context.Context, req ProbeRequest, opts ...bus.CallOption) (FrameInfo, error) {
	out, _, err := bus.Invoke(ctx, b.c, ProbeContent, req, opts...)
	return out, err
}
