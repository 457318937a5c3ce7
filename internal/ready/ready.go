// ABOUTME: Readiness coordinator gating configuration reads on a shared version stamp
// ABOUTME: Followers wait for the owner to stamp the current version; readiness never reverts

package ready

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/2389/coven-relay/internal/storage"
)

// StampKey is the default storage key of the readiness stamp.
const StampKey = "relay:ready_version"

// Role decides whether a coordinator waits for the stamp or writes it.
type Role string

const (
	// RoleOwner runs migrations and calls SetReady. It never waits.
	RoleOwner Role = "owner"
	// RoleFollower waits until the stamp matches its version.
	RoleFollower Role = "follower"
)

// ErrClosed is returned by Wait when the coordinator closed before readiness.
var ErrClosed = errors.New("readiness coordinator closed")

// ErrNotOwner is returned by SetReady on a follower.
var ErrNotOwner = errors.New("only the owner may set the readiness stamp")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRole sets the coordinator's role. The default is RoleFollower.
func WithRole(r Role) Option {
	return func(c *Coordinator) { c.role = r }
}

// WithKey overrides the storage key of the stamp.
func WithKey(key string) Option {
	return func(c *Coordinator) { c.key = key }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator is a one-way latch: once ready, it stays ready.
type Coordinator struct {
	area    storage.Area
	version string
	role    Role
	key     string
	logger  *slog.Logger

	once   sync.Once
	ready  chan struct{}
	closed chan struct{}

	mu        sync.Mutex
	unsub     func()
	closeOnce sync.Once
}

// New creates a coordinator for version. A follower subscribes to stamp
// changes before reading the current stamp, so a stamp written in between
// is not missed.
func New(ctx context.Context, area storage.Area, version string, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		area:    area,
		version: version,
		role:    RoleFollower,
		key:     StampKey,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "ready", "role", string(c.role), "version", version)

	switch c.role {
	case RoleOwner:
		c.resolve("owner")
		return c, nil
	case RoleFollower:
	default:
		return nil, fmt.Errorf("unknown readiness role %q", c.role)
	}

	unsub := area.OnChanged(func(ch storage.Change) {
		if ch.Key != c.key || ch.Removed() {
			return
		}
		if stamp, ok := decodeStamp(ch.NewValue); ok {
			c.observe(stamp, "change")
		}
	})
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
	if c.Ready() {
		// resolved by a change delivered before unsub was recorded
		c.unsubscribe()
		return c, nil
	}

	stamp, ok, err := c.Stamp(ctx)
	if err != nil {
		c.unsubscribe()
		return nil, err
	}
	if ok {
		c.observe(stamp, "startup")
	} else {
		c.logger.Info("no readiness stamp yet, waiting for owner")
	}
	return c, nil
}

func decodeStamp(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// observe resolves on a matching stamp and logs why others do not match.
func (c *Coordinator) observe(stamp, source string) {
	if stamp == c.version {
		c.resolve(source)
		return
	}
	if c.Ready() {
		return
	}
	c.logger.Info("readiness stamp does not match", "stamp", stamp, "source", source, "relation", relation(stamp, c.version))
}

// relation describes how a stamp compares with the current version.
func relation(stamp, current string) string {
	sv, err1 := semver.NewVersion(stamp)
	cv, err2 := semver.NewVersion(current)
	if err1 != nil || err2 != nil {
		return "different"
	}
	switch {
	case sv.LessThan(cv):
		return "older, migration pending"
	case sv.GreaterThan(cv):
		return "newer, written by a later build"
	default:
		return "equivalent"
	}
}

func (c *Coordinator) resolve(source string) {
	c.once.Do(func() {
		close(c.ready)
		c.logger.Info("=== READY ===", "source", source)
	})
	c.unsubscribe()
}

func (c *Coordinator) unsubscribe() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Stamp reads the current stamp. ok is false when none is stored.
func (c *Coordinator) Stamp(ctx context.Context) (stamp string, ok bool, err error) {
	raw, err := c.area.Get(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading readiness stamp: %w", err)
	}
	stamp, ok = decodeStamp(raw)
	if !ok {
		c.logger.Warn("readiness stamp is not a string", "raw", string(raw))
	}
	return stamp, ok, nil
}

// Version returns the version this coordinator waits for.
func (c *Coordinator) Version() string { return c.version }

// Role returns the coordinator's role.
func (c *Coordinator) Role() Role { return c.role }

// Ready reports whether the coordinator has resolved.
func (c *Coordinator) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Done is closed once the coordinator is ready.
func (c *Coordinator) Done() <-chan struct{} { return c.ready }

// Wait blocks until the coordinator is ready, ctx ends or it is closed.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	default:
	}
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReady writes the current version as the stamp, releasing every
// follower sharing the area. Only the owner may call it.
func (c *Coordinator) SetReady(ctx context.Context) error {
	if c.role != RoleOwner {
		return ErrNotOwner
	}
	raw, err := json.Marshal(c.version)
	if err != nil {
		return err
	}
	if err := c.area.Set(ctx, c.key, raw); err != nil {
		return fmt.Errorf("writing readiness stamp: %w", err)
	}
	c.logger.Info("readiness stamp written")
	c.resolve("set_ready")
	return nil
}

// Close stops watching the stamp. Waiters that are not ready yet get ErrClosed.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.unsubscribe()
	})
}
