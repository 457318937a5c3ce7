// ABOUTME: Background catalog handlers backed by the options store and the hub
// ABOUTME: Sets response context for options versions and the active provider

package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/2389/coven-relay/internal/bus"
	"github.com/2389/coven-relay/internal/catalog"
	"github.com/2389/coven-relay/internal/options"
	"github.com/2389/coven-relay/internal/transport"
)

// ErrUnknownProvider is returned when selecting a provider that is not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// service implements catalog.Background.
type service struct {
	relay *Relay
}

var _ catalog.Background = (*service)(nil)

func (s *service) Ping(context.Context, *bus.Call) (bool, error) { return true, nil }

func (s *service) GetOptions(ctx context.Context, call *bus.Call) (options.Options, error) {
	opts, err := s.relay.options.Get(ctx)
	if err != nil {
		return options.Options{}, err
	}
	s.stampVersion(ctx, call)
	return opts, nil
}

func (s *service) UpdateOptions(ctx context.Context, patch catalog.Patch, call *bus.Call) (options.Options, error) {
	opts, err := s.relay.options.Update(ctx, map[string]any(patch))
	if err != nil {
		return options.Options{}, err
	}
	s.stampVersion(ctx, call)
	return opts, nil
}

func (s *service) ResetOptions(ctx context.Context, call *bus.Call) (options.Options, error) {
	if err := s.relay.options.Reset(ctx); err != nil {
		return options.Options{}, err
	}
	s.stampVersion(ctx, call)
	return s.relay.options.Get(ctx)
}

// stampVersion adds the stored options version to the response context.
func (s *service) stampVersion(ctx context.Context, call *bus.Call) {
	rec, ok, err := s.relay.options.Record(ctx)
	if err != nil || !ok {
		return
	}
	c := call.Context()
	c[catalog.ContextOptionsVersion] = rec.Version
	call.SetContext(c)
}

func (s *service) GetActiveProvider(ctx context.Context, _ *bus.Call) (string, error) {
	opts, err := s.relay.options.Get(ctx)
	if err != nil {
		return "", err
	}
	return opts.ActiveProvider, nil
}

// SetActiveProvider declines when no providers are configured, so callers
// can tell "nothing to choose from" apart from a bad choice.
func (s *service) SetActiveProvider(ctx context.Context, name string, call *bus.Call) (bool, error) {
	opts, err := s.relay.options.Get(ctx)
	if err != nil {
		return false, err
	}
	if len(opts.Providers) == 0 {
		return false, bus.ErrIgnored
	}
	if name != "" && !opts.HasProvider(name) {
		return false, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	if opts.ActiveProvider == name {
		return false, nil
	}

	if _, err := s.relay.options.Update(ctx, map[string]any{"activeProvider": name}); err != nil {
		return false, err
	}
	next := providerContext(name)
	call.SetBaseContext(next)
	call.SetContext(next)
	return true, nil
}

func (s *service) Status(ctx context.Context, _ *bus.Call) (catalog.Status, error) {
	stamp, _, err := s.relay.ready.Stamp(ctx)
	if err != nil {
		return catalog.Status{}, err
	}
	peers, err := s.relay.peers(ctx)
	if err != nil {
		return catalog.Status{}, err
	}
	sort.Strings(peers)
	return catalog.Status{
		Version: s.relay.config.Extension.Version,
		Ready:   s.relay.Ready(),
		Stamp:   stamp,
		Peers:   peers,
		Methods: s.relay.server.Methods(),
	}, nil
}

// ProbeContent asks the first content frame matching req to describe itself.
func (s *service) ProbeContent(ctx context.Context, req catalog.ProbeRequest, _ *bus.Call) (catalog.FrameInfo, error) {
	q := transport.Query{Kind: transport.KindContent, TabID: req.TabID, URL: req.URL}
	frame := catalog.NewContentClient(s.relay.content.To(q, nil))
	info, err := frame.FrameInfo(ctx, bus.WithSilent())
	if err != nil {
		if errors.Is(err, bus.ErrNoDestination) {
			return catalog.FrameInfo{}, fmt.Errorf("no content frame matches tab %d url %q", req.TabID, req.URL)
		}
		return catalog.FrameInfo{}, err
	}
	return info, nil
}
