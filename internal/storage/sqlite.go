// ABOUTME: SQLite-backed storage areas shared by every process that opens the same file
// ABOUTME: A changes table plus a poller delivers writes made by other processes

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGo     = "sqlite3" // github.com/mattn/go-sqlite3
)

const (
	// DefaultPollInterval is how often the changes table is checked for
	// writes made by other processes.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultChangeRetention is how long change rows are kept. A handle
	// whose poller stalls for longer can miss changes made meanwhile.
	DefaultChangeRetention = 10 * time.Minute

	// timeLayout sorts lexically in time order, unlike RFC3339Nano.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteConfig contains configuration options for OpenSQLite.
type SQLiteConfig struct {
	Path         string
	Driver       string
	PollInterval time.Duration
	// ChangeRetention bounds the age of rows kept in the changes table.
	ChangeRetention time.Duration
	Logger          *slog.Logger
}

// SQLiteDB is one database file holding any number of named areas.
type SQLiteDB struct {
	db       *sql.DB
	origin   string
	logger   *slog.Logger
	interval time.Duration
	retain   time.Duration

	mu        sync.Mutex
	areas     map[string]*SQLiteArea
	lastSeq   int64
	lastPrune time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OpenSQLite opens (or creates) the database at cfg.Path, creates the schema
// and starts the change poller. Parent directories are created if needed.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteDB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	driver := cfg.Driver
	if driver == "" {
		driver = DriverModernc
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	retain := cfg.ChangeRetention
	if retain <= 0 {
		retain = DefaultChangeRetention
	}

	memory := cfg.Path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn, err := sqliteDSN(driver, cfg.Path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		// Each connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteDB{
		db:       db,
		origin:   uuid.New().String(),
		logger:   logger,
		interval: interval,
		retain:   retain,
		areas:    make(map[string]*SQLiteArea),
		done:     make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading change cursor: %w", err)
	}

	s.wg.Add(1)
	go s.poll()

	logger.Info("SQLite storage initialized", "path", cfg.Path, "driver", driver, "origin", s.origin)
	return s, nil
}

// sqliteDSN builds a driver-specific DSN enabling WAL and a busy timeout.
func sqliteDSN(driver, path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	switch driver {
	case DriverModernc:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case DriverCGo:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

func (s *SQLiteDB) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			area       TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (area, key)
		);

		CREATE TABLE IF NOT EXISTS changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			area       TEXT NOT NULL,
			key        TEXT NOT NULL,
			old_value  TEXT,
			new_value  TEXT,
			origin     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Origin identifies this handle in the changes table.
func (s *SQLiteDB) Origin() string { return s.origin }

// Area returns the named area, creating the handle on first use.
func (s *SQLiteDB) Area(name string) *SQLiteArea {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.areas[name]; ok {
		return a
	}
	a := &SQLiteArea{
		db:       s,
		name:     name,
		notifier: newNotifier(s.logger.With("area", name)),
	}
	s.areas[name] = a
	return a
}

// Close stops the poller and closes the database.
func (s *SQLiteDB) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.logger.Info("closing SQLite storage")
	return s.db.Close()
}

func (s *SQLiteDB) poll() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.pollOnce(context.Background()); err != nil {
				s.logger.Warn("polling changes failed", "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// pollOnce delivers changes committed by other origins since the last cursor.
func (s *SQLiteDB) pollOnce(ctx context.Context) error {
	s.mu.Lock()
	since := s.lastSeq
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, area, key, old_value, new_value, origin
		FROM changes
		WHERE seq > ?
		ORDER BY seq
	`, since)
	if err != nil {
		return fmt.Errorf("querying changes: %w", err)
	}

	type row struct {
		seq    int64
		change Change
		origin string
	}
	var pending []row
	for rows.Next() {
		var r row
		var oldValue, newValue sql.NullString
		if err := rows.Scan(&r.seq, &r.change.Area, &r.change.Key, &oldValue, &newValue, &r.origin); err != nil {
			rows.Close()
			return fmt.Errorf("scanning change: %w", err)
		}
		if oldValue.Valid {
			r.change.OldValue = json.RawMessage(oldValue.String)
		}
		if newValue.Valid {
			r.change.NewValue = json.RawMessage(newValue.String)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating changes: %w", err)
	}
	rows.Close()

	if len(pending) == 0 {
		return s.prune(ctx)
	}

	last := pending[len(pending)-1].seq
	s.mu.Lock()
	s.lastSeq = last
	s.mu.Unlock()

	for _, r := range pending {
		if r.origin == s.origin {
			continue
		}
		s.mu.Lock()
		a, ok := s.areas[r.change.Area]
		s.mu.Unlock()
		if ok {
			a.notifier.publish(r.change)
		}
	}

	return s.prune(ctx)
}

// prune drops change rows older than the retention window. Rows are kept
// by age so another handle's unread changes survive however many writes
// this handle makes.
func (s *SQLiteDB) prune(ctx context.Context) error {
	now := time.Now().UTC()
	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= s.retain/10
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return nil
	}

	cutoff := now.Add(-s.retain).Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning changes: %w", err)
	}
	return nil
}

// SQLiteArea is one named area inside a SQLiteDB.
type SQLiteArea struct {
	db       *SQLiteDB
	name     string
	notifier *notifier
}

// Name returns the area name.
func (a *SQLiteArea) Name() string { return a.name }

// Get returns the value stored under key, or ErrNotFound.
func (a *SQLiteArea) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := a.db.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE area = ? AND key = ?`, a.name, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s/%s: %w", a.name, key, err)
	}
	return json.RawMessage(value), nil
}

// Set upserts value and records the change for other processes.
func (a *SQLiteArea) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %s/%s is not valid JSON", a.name, key)
	}
	old, err := a.write(ctx, key, value)
	if err != nil {
		return err
	}
	a.notifier.publish(Change{Area: a.name, Key: key, OldValue: old, NewValue: cloneRaw(value)})
	return nil
}

// Remove deletes key. Removing an absent key emits no change.
func (a *SQLiteArea) Remove(ctx context.Context, key string) error {
	old, err := a.write(ctx, key, nil)
	if err != nil {
		return err
	}
	if old != nil {
		a.notifier.publish(Change{Area: a.name, Key: key, OldValue: old})
	}
	return nil
}

// write applies an upsert (value != nil) or delete in one transaction and
// appends a changes row. It returns the previous value.
func (a *SQLiteArea) write(ctx context.Context, key string, value json.RawMessage) (json.RawMessage, error) {
	tx, err := a.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldValue sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE area = ? AND key = ?`, a.name, key).Scan(&oldValue)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading previous value: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	var newValue sql.NullString
	if value != nil {
		newValue = sql.NullString{String: string(value), Valid: true}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (area, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, a.name, key, newValue.String, now)
		if err != nil {
			return nil, fmt.Errorf("writing %s/%s: %w", a.name, key, err)
		}
	} else {
		if !oldValue.Valid {
			return nil, nil
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE area = ? AND key = ?`, a.name, key); err != nil {
			return nil, fmt.Errorf("deleting %s/%s: %w", a.name, key, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO changes (area, key, old_value, new_value, origin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.name, key, oldValue, newValue, a.db.origin, now)
	if err != nil {
		return nil, fmt.Errorf("recording change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing %s/%s: %w", a.name, key, err)
	}

	if !oldValue.Valid {
		return nil, nil
	}
	return json.RawMessage(oldValue.String), nil
}

// OnChanged registers a change listener for local and remote writes.
func (a *SQLiteArea) OnChanged(fn func(Change)) func() {
	return a.notifier.subscribe(fn)
}
