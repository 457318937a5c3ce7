// ABOUTME: Follower side of the relay for processes that share its storage file
// ABOUTME: Reads the options store through a follower readiness gate

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/options"
	"github.com/2389/coven-relay/internal/ready"
	"github.com/2389/coven-relay/internal/storage"
	"github.com/2389/coven-relay/internal/versioned"
)

// ErrNotShared is returned by OpenFollower for backends another process
// cannot open alongside the relay.
var ErrNotShared = errors.New("storage backend is not shared between processes")

// Follower reads the relay's options directly from storage. Reads block
// until the relay has stamped the configured extension version.
type Follower struct {
	storage *storage.Set
	ready   *ready.Coordinator
	options *versioned.Store[options.Options]
	logger  *slog.Logger
}

// OpenFollower opens the storage named by cfg as a second handle. Only the
// SQLite backends carry changes across processes.
func OpenFollower(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Follower, error) {
	switch cfg.Storage.Backend {
	case storage.BackendSQLite, storage.BackendSQLite3:
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotShared, cfg.Storage.Backend)
	}

	set, err := storage.OpenSet(storage.SetConfig{
		Backend:      cfg.Storage.Backend,
		Path:         cfg.Storage.Path,
		PollInterval: cfg.Storage.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	f, err := follow(ctx, cfg, set, logger)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	return f, nil
}

func follow(ctx context.Context, cfg *config.Config, set *storage.Set, logger *slog.Logger) (*Follower, error) {
	readyArea, err := set.Area(cfg.Storage.ReadyArea)
	if err != nil {
		return nil, fmt.Errorf("ready area: %w", err)
	}
	optionsArea, err := set.Area(cfg.Storage.OptionsArea)
	if err != nil {
		return nil, fmt.Errorf("options area: %w", err)
	}

	coord, err := ready.New(ctx, readyArea, cfg.Extension.Version,
		ready.WithRole(ready.RoleFollower),
		ready.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating readiness coordinator: %w", err)
	}

	return &Follower{
		storage: set,
		ready:   coord,
		options: options.NewStore(optionsArea,
			versioned.WithGate(coord),
			versioned.WithLogger(logger),
		),
		logger: logger.With("component", "follower"),
	}, nil
}

// Ready reports whether the relay has stamped this follower's version.
func (f *Follower) Ready() bool { return f.ready.Ready() }

// Done is closed once the follower is ready.
func (f *Follower) Done() <-chan struct{} { return f.ready.Done() }

// Options returns the stored options, waiting for readiness first.
func (f *Follower) Options(ctx context.Context) (options.Options, error) {
	return f.options.Get(ctx)
}

// Record returns the stored options record and its version, waiting for
// readiness first.
func (f *Follower) Record(ctx context.Context) (versioned.Record, bool, error) {
	if err := f.ready.Wait(ctx); err != nil {
		return versioned.Record{}, false, err
	}
	return f.options.Record(ctx)
}

// Close releases the follower's storage handle. Pending reads fail.
func (f *Follower) Close() error {
	f.ready.Close()
	f.options.Destroy()
	return f.storage.Close()
}
