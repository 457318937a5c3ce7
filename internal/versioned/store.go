// ABOUTME: Versioned configuration store bound to one storage key
// ABOUTME: Runs ordered migrations and serializes every mutation through a FIFO queue

package versioned

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/storage"
)

// ErrInvalidVersion indicates a migration registered out of order or at a
// non-positive version.
var ErrInvalidVersion = errors.New("versioned: invalid migration version")

// ErrNoBaseline indicates Set was called with no stored record and no version.
var ErrNoBaseline = errors.New("versioned: cannot set without an existing record")

// ErrVersionRegression indicates a write would lower the stored version.
var ErrVersionRegression = errors.New("versioned: version lower than stored")

// ErrDestroyed indicates the store was destroyed.
var ErrDestroyed = errors.New("versioned: store destroyed")

// ErrNotObject indicates Update was used on data that is not a JSON object.
var ErrNotObject = errors.New("versioned: update requires JSON objects")

// Gate blocks accessors until the store may be read.
type Gate interface {
	Wait(ctx context.Context) error
}

// UpgradeContext is passed unchanged to every migration step.
type UpgradeContext map[string]any

// UpgradeFunc converts the data of the previous version. prev is decoded
// JSON (map[string]any for objects); the result must encode to JSON.
type UpgradeFunc func(prev any, uctx UpgradeContext) (any, error)

// Migration is one step of a store's migration chain.
type Migration struct {
	Version int
	// Upgrade may be nil for a version bump that keeps the data as is.
	Upgrade UpgradeFunc
}

// Option configures a Store.
type Option func(*storeSettings)

type storeSettings struct {
	gate   Gate
	logger *slog.Logger
}

// WithGate makes accessors wait on g before touching storage.
func WithGate(g Gate) Option {
	return func(s *storeSettings) { s.gate = g }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *storeSettings) { s.logger = l }
}

// Store is a schema-versioned value of type T persisted under one key.
// Only one Store should exist per area and key in a process.
type Store[T any] struct {
	area   storage.Area
	key    string
	def    T
	gate   Gate
	logger *slog.Logger
	queue  *queue

	migMu      sync.RWMutex
	migrations []Migration

	subMu  sync.Mutex
	nextID int
	unsubs map[int]func()
}

// New creates a store for key in area with the given default value.
func New[T any](area storage.Area, key string, def T, opts ...Option) *Store[T] {
	cfg := storeSettings{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{
		area:   area,
		key:    key,
		def:    def,
		gate:   cfg.gate,
		logger: logger.With("component", "versioned", "area", area.Name(), "key", key),
		queue:  newQueue(),
		unsubs: make(map[int]func()),
	}
}

// Key returns the storage key the store owns.
func (s *Store[T]) Key() string { return s.key }

// Default returns the store's default value.
func (s *Store[T]) Default() T { return s.def }

// Version registers a migration step. n must be positive and greater than
// every version registered before it.
func (s *Store[T]) Version(n int, upgrade UpgradeFunc) error {
	s.migMu.Lock()
	defer s.migMu.Unlock()

	if n <= 0 {
		return fmt.Errorf("%w: %d is not positive", ErrInvalidVersion, n)
	}
	if len(s.migrations) > 0 {
		if last := s.migrations[len(s.migrations)-1].Version; n <= last {
			return fmt.Errorf("%w: %d does not follow %d", ErrInvalidVersion, n, last)
		}
	}
	s.migrations = append(s.migrations, Migration{Version: n, Upgrade: upgrade})
	return nil
}

// MustVersion is like Version but panics on error. It returns the store so
// registrations can be chained.
func (s *Store[T]) MustVersion(n int, upgrade UpgradeFunc) *Store[T] {
	if err := s.Version(n, upgrade); err != nil {
		panic(err)
	}
	return s
}

// Latest returns the highest registered version, or 0 with no migrations.
func (s *Store[T]) Latest() int {
	s.migMu.RLock()
	defer s.migMu.RUnlock()
	if len(s.migrations) == 0 {
		return 0
	}
	return s.migrations[len(s.migrations)-1].Version
}

func (s *Store[T]) pendingSteps(from int) []Migration {
	s.migMu.RLock()
	defer s.migMu.RUnlock()
	return lo.Filter(s.migrations, func(m Migration, _ int) bool { return m.Version > from })
}

func (s *Store[T]) wait(ctx context.Context) error {
	if s.queue.isDestroyed() {
		return ErrDestroyed
	}
	if s.gate == nil {
		return nil
	}
	return s.gate.Wait(ctx)
}

// read loads the stored record. ok is false when the key is absent.
func (s *Store[T]) read(ctx context.Context) (rec Record, ok bool, err error) {
	rec, _, ok, err = s.readLegacy(ctx)
	return rec, ok, err
}

// readLegacy is read that also reports whether the value was stored
// without the record wrapper.
func (s *Store[T]) readLegacy(ctx context.Context) (rec Record, legacy, ok bool, err error) {
	raw, err := s.area.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false, false, nil
	}
	if err != nil {
		return Record{}, false, false, fmt.Errorf("reading %s: %w", s.key, err)
	}
	rec, legacy, err = decodeRecord(raw)
	if err != nil {
		return Record{}, false, false, fmt.Errorf("decoding %s: %w", s.key, err)
	}
	return rec, legacy, true, nil
}

func (s *Store[T]) write(ctx context.Context, rec Record) error {
	raw, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.key, err)
	}
	if err := s.area.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("writing %s: %w", s.key, err)
	}
	return nil
}

func (s *Store[T]) decode(data json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decoding %s data: %w", s.key, err)
	}
	return v, nil
}

func (s *Store[T]) defaultRecord() (Record, error) {
	data, err := json.Marshal(s.def)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s default: %w", s.key, err)
	}
	return Record{Data: data, Version: s.Latest()}, nil
}

// Upgrade brings the stored record to the latest version. An absent record
// is initialized with the default at the latest version. Otherwise every
// step above the stored version runs in order and the result is written
// once. A record already at the latest version is not written, except
// that legacy data with no migrations registered is wrapped at version 0.
func (s *Store[T]) Upgrade(ctx context.Context, uctx UpgradeContext) error {
	return s.queue.submit(ctx, "upgrade", func(ctx context.Context) error {
		rec, legacy, ok, err := s.readLegacy(ctx)
		if err != nil {
			return err
		}
		latest := s.Latest()

		if !ok {
			def, err := s.defaultRecord()
			if err != nil {
				return err
			}
			s.logger.Info("initialized store with default", "version", latest)
			return s.write(ctx, def)
		}

		if rec.Version >= latest {
			if rec.Version > latest {
				s.logger.Warn("stored version is newer than registered migrations",
					"stored_version", rec.Version,
					"latest", latest,
				)
			}
			if !legacy {
				return nil
			}
			if _, err := s.decode(rec.Data); err != nil {
				return err
			}
			if err := s.write(ctx, rec); err != nil {
				return err
			}
			s.logger.Info("wrapped legacy record", "version", rec.Version)
			return nil
		}

		var data any
		if err := json.Unmarshal(rec.Data, &data); err != nil {
			return fmt.Errorf("decoding %s version %d: %w", s.key, rec.Version, err)
		}
		from := rec.Version
		for _, m := range s.pendingSteps(from) {
			if m.Upgrade != nil {
				data, err = m.Upgrade(data, uctx)
				if err != nil {
					return fmt.Errorf("upgrading %s to version %d: %w", s.key, m.Version, err)
				}
			}
			s.logger.Debug("applied migration step", "version", m.Version)
		}

		out, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s version %d: %w", s.key, latest, err)
		}
		if _, err := s.decode(out); err != nil {
			return err
		}
		if err := s.write(ctx, Record{Data: out, Version: latest}); err != nil {
			return err
		}
		s.logger.Info("=== STORE MIGRATED ===", "from_version", from, "to_version", latest)
		return nil
	})
}

// Get returns the stored data, or the default when the key is absent.
// It never migrates.
func (s *Store[T]) Get(ctx context.Context) (T, error) {
	if err := s.wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	rec, ok, err := s.read(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if !ok {
		return s.def, nil
	}
	return s.decode(rec.Data)
}

// Record returns the raw stored record. ok is false when the key is absent.
// It does not wait on the gate.
func (s *Store[T]) Record(ctx context.Context) (rec Record, ok bool, err error) {
	return s.read(ctx)
}

// Set replaces the data and keeps the stored version. It fails with
// ErrNoBaseline when nothing is stored yet.
func (s *Store[T]) Set(ctx context.Context, v T) error {
	return s.set(ctx, v, nil)
}

// SetVersion replaces the data and stores version n, which must not be
// lower than the stored version.
func (s *Store[T]) SetVersion(ctx context.Context, v T, n int) error {
	return s.set(ctx, v, &n)
}

func (s *Store[T]) set(ctx context.Context, v T, version *int) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", s.key, err)
	}
	if version == nil {
		if _, ok, err := s.read(ctx); err != nil {
			return err
		} else if !ok {
			return ErrNoBaseline
		}
	}

	return s.queue.submit(ctx, "set", func(ctx context.Context) error {
		rec, ok, err := s.read(ctx)
		if err != nil {
			return err
		}
		n := rec.Version
		switch {
		case version != nil:
			if ok && *version < rec.Version {
				return fmt.Errorf("%w: %d < %d", ErrVersionRegression, *version, rec.Version)
			}
			n = *version
		case !ok:
			return ErrNoBaseline
		}
		return s.write(ctx, Record{Data: data, Version: n})
	})
}

// Update merges the top-level fields of partial into the stored object and
// returns the result. The read and the write happen inside the queue, so
// concurrent updates never lose each other's fields. An absent record is
// merged into the default and written at the latest version.
func (s *Store[T]) Update(ctx context.Context, partial any) (T, error) {
	var out T
	if err := s.wait(ctx); err != nil {
		return out, err
	}
	patch, err := json.Marshal(partial)
	if err != nil {
		return out, fmt.Errorf("encoding %s partial: %w", s.key, err)
	}

	err = s.queue.submit(ctx, "update", func(ctx context.Context) error {
		rec, ok, err := s.read(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if rec, err = s.defaultRecord(); err != nil {
				return err
			}
		}
		merged, err := mergeObjects(rec.Data, patch)
		if err != nil {
			return err
		}
		v, err := s.decode(merged)
		if err != nil {
			return err
		}
		if err := s.write(ctx, Record{Data: merged, Version: rec.Version}); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Reset writes the default at the latest version.
func (s *Store[T]) Reset(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.queue.submit(ctx, "reset", func(ctx context.Context) error {
		def, err := s.defaultRecord()
		if err != nil {
			return err
		}
		return s.write(ctx, def)
	})
}

// OnChange calls fn with the new data whenever the stored record changes,
// including changes made by other processes. A removed record reports the
// default.
func (s *Store[T]) OnChange(fn func(T)) (unsubscribe func()) {
	unsub := s.area.OnChanged(func(c storage.Change) {
		if c.Key != s.key {
			return
		}
		if c.Removed() {
			fn(s.def)
			return
		}
		rec, _, err := decodeRecord(c.NewValue)
		if err != nil {
			s.logger.Warn("ignoring undecodable change", "error", err)
			return
		}
		v, err := s.decode(rec.Data)
		if err != nil {
			s.logger.Warn("ignoring undecodable change", "error", err)
			return
		}
		fn(v)
	})

	s.subMu.Lock()
	if s.queue.isDestroyed() {
		s.subMu.Unlock()
		unsub()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.unsubs[id] = unsub
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		u, ok := s.unsubs[id]
		delete(s.unsubs, id)
		s.subMu.Unlock()
		if ok {
			u()
		}
	}
}

// Destroy removes every change listener and rejects queued operations
// that have not started with ErrDestroyed. Later calls fail the same way.
func (s *Store[T]) Destroy() {
	rejected := s.queue.destroy()

	s.subMu.Lock()
	unsubs := lo.Values(s.unsubs)
	s.unsubs = make(map[int]func())
	s.subMu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.logger.Info("store destroyed", "rejected_operations", rejected, "listeners_removed", len(unsubs))
}
