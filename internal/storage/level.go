// ABOUTME: LevelDB-backed storage areas for single-process deployments
// ABOUTME: Keys are namespaced by area; change notifications are in-process only

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDB is one LevelDB database holding any number of named areas.
// LevelDB takes an exclusive file lock, so only one process may open it.
type LevelDB struct {
	db     *leveldb.DB
	logger *slog.Logger

	mu    sync.Mutex
	areas map[string]*LevelArea
}

// OpenLevel opens (or creates) a LevelDB database at path.
func OpenLevel(path string, logger *slog.Logger) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	l := newLevelDB(db, logger)
	l.logger.Info("LevelDB storage initialized", "path", path)
	return l, nil
}

func newLevelDB(db *leveldb.DB, logger *slog.Logger) *LevelDB {
	if logger == nil {
		logger = slog.Default()
	}
	return &LevelDB{
		db:     db,
		logger: logger.With("component", "storage"),
		areas:  make(map[string]*LevelArea),
	}
}

// Area returns the named area, creating the handle on first use.
func (l *LevelDB) Area(name string) *LevelArea {
	l.mu.Lock()
	defer l.mu.Unlock()

	if a, ok := l.areas[name]; ok {
		return a
	}
	a := &LevelArea{
		db:       l,
		name:     name,
		notifier: newNotifier(l.logger.With("area", name)),
	}
	l.areas[name] = a
	return a
}

// Close closes the database.
func (l *LevelDB) Close() error {
	l.logger.Info("closing LevelDB storage")
	return l.db.Close()
}

// LevelArea is one named area inside a LevelDB.
type LevelArea struct {
	db       *LevelDB
	name     string
	notifier *notifier

	// writeMu makes read-previous-then-write atomic for change reporting.
	writeMu sync.Mutex
}

// Name returns the area name.
func (a *LevelArea) Name() string { return a.name }

func (a *LevelArea) dbKey(key string) []byte {
	return []byte(a.name + "/" + key)
}

func (a *LevelArea) get(key string) (json.RawMessage, error) {
	v, err := a.db.db.Get(a.dbKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", a.name, key, err)
	}
	return json.RawMessage(v), nil
}

// Get returns the value stored under key, or ErrNotFound.
func (a *LevelArea) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.get(key)
}

// Set stores value under key and notifies listeners.
func (a *LevelArea) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.writeMu.Lock()
	old, err := a.get(key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.writeMu.Unlock()
		return err
	}
	if err := a.db.db.Put(a.dbKey(key), value, nil); err != nil {
		a.writeMu.Unlock()
		return fmt.Errorf("writing %s/%s: %w", a.name, key, err)
	}
	a.writeMu.Unlock()

	a.notifier.publish(Change{Area: a.name, Key: key, OldValue: old, NewValue: cloneRaw(value)})
	return nil
}

// Remove deletes key. Removing an absent key emits no change.
func (a *LevelArea) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.writeMu.Lock()
	old, err := a.get(key)
	if errors.Is(err, ErrNotFound) {
		a.writeMu.Unlock()
		return nil
	}
	if err != nil {
		a.writeMu.Unlock()
		return err
	}
	if err := a.db.db.Delete(a.dbKey(key), nil); err != nil {
		a.writeMu.Unlock()
		return fmt.Errorf("deleting %s/%s: %w", a.name, key, err)
	}
	a.writeMu.Unlock()

	a.notifier.publish(Change{Area: a.name, Key: key, OldValue: old})
	return nil
}

// OnChanged registers a change listener.
func (a *LevelArea) OnChanged(fn func(Change)) func() {
	return a.notifier.subscribe(fn)
}
