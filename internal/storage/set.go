// ABOUTME: Opens the local, sync and session areas from a single backend choice
// ABOUTME: Session is always in-memory; local and sync share the durable backend

package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/samber/lo"
)

// Backend names accepted by SetConfig.Backend.
const (
	BackendSQLite  = "sqlite"
	BackendSQLite3 = "sqlite3"
	BackendLevel   = "leveldb"
	BackendMemory  = "memory"
)

// ErrUnknownArea is returned by Set.Area for names that were not opened.
var ErrUnknownArea = errors.New("unknown storage area")

// SetConfig contains configuration options for OpenSet.
type SetConfig struct {
	Backend      string
	Path         string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Set is the collection of areas available to one process.
type Set struct {
	areas   map[string]Area
	closers []io.Closer
}

// OpenSet opens the durable backend and returns the local, sync and session areas.
func OpenSet(cfg SetConfig) (*Set, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Set{areas: make(map[string]Area)}
	session := NewMemoryArea(AreaSession, logger)
	s.areas[AreaSession] = session
	s.closers = append(s.closers, session)

	switch cfg.Backend {
	case BackendSQLite, BackendSQLite3, "":
		driver := DriverModernc
		if cfg.Backend == BackendSQLite3 {
			driver = DriverCGo
		}
		db, err := OpenSQLite(SQLiteConfig{
			Path:         cfg.Path,
			Driver:       driver,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		s.areas[AreaLocal] = db.Area(AreaLocal)
		s.areas[AreaSync] = db.Area(AreaSync)
		s.closers = append(s.closers, db)
	case BackendLevel:
		db, err := OpenLevel(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		s.areas[AreaLocal] = db.Area(AreaLocal)
		s.areas[AreaSync] = db.Area(AreaSync)
		s.closers = append(s.closers, db)
	case BackendMemory:
		local := NewMemoryArea(AreaLocal, logger)
		synced := NewMemoryArea(AreaSync, logger)
		s.areas[AreaLocal] = local
		s.areas[AreaSync] = synced
		s.closers = append(s.closers, local, synced)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}

	return s, nil
}

// Area returns the named area.
func (s *Set) Area(name string) (Area, error) {
	a, ok := s.areas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownArea, name, s.Names())
	}
	return a, nil
}

// Names returns the opened area names in sorted order.
func (s *Set) Names() []string {
	names := lo.Keys(s.areas)
	sort.Strings(names)
	return names
}

// Close closes every backend, newest first.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
