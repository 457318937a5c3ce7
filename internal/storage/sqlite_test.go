// ABOUTME: Tests for the SQLite storage backend
// ABOUTME: Covers persistence, change recording, and cross-handle change delivery

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, path string) *SQLiteDB {
	t.Helper()
	db, err := OpenSQLite(SQLiteConfig{
		Path:         path,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteArea_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t, ":memory:")
	a := db.Area(AreaLocal)

	_, err := a.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Set(ctx, "k", json.RawMessage(`{"data":{"x":1},"version":2}`)))
	v, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"x":1},"version":2}`, string(v))

	require.NoError(t, a.Remove(ctx, "k"))
	_, err = a.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteArea_RejectsInvalidJSON(t *testing.T) {
	db := openTestSQLite(t, ":memory:")
	err := db.Area(AreaLocal).Set(context.Background(), "k", json.RawMessage(`{nope`))
	assert.Error(t, err)
}

func TestSQLiteArea_AreasAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t, ":memory:")

	require.NoError(t, db.Area(AreaLocal).Set(ctx, "k", json.RawMessage(`"local"`)))
	require.NoError(t, db.Area(AreaSync).Set(ctx, "k", json.RawMessage(`"sync"`)))

	v, err := db.Area(AreaLocal).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"local"`, string(v))

	v, err = db.Area(AreaSync).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"sync"`, string(v))
}

func TestSQLiteArea_LocalChangeDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestSQLite(t, ":memory:")
	a := db.Area(AreaLocal)

	var mu sync.Mutex
	count := 0
	a.OnChanged(func(c Change) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, a.Set(ctx, "k", json.RawMessage(`1`)))

	// give the poller a few ticks; it must skip our own origin
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSQLiteArea_CrossProcessDelivery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	background := openTestSQLite(t, path)
	content := openTestSQLite(t, path)
	require.NotEqual(t, background.Origin(), content.Origin())

	received := make(chan Change, 4)
	content.Area(AreaLocal).OnChanged(func(c Change) { received <- c })

	require.NoError(t, background.Area(AreaLocal).Set(ctx, "relay:ready_version", json.RawMessage(`"1.2.0"`)))

	select {
	case c := <-received:
		assert.Equal(t, AreaLocal, c.Area)
		assert.Equal(t, "relay:ready_version", c.Key)
		assert.Equal(t, `"1.2.0"`, string(c.NewValue))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-process change")
	}

	v, err := content.Area(AreaLocal).Get(ctx, "relay:ready_version")
	require.NoError(t, err)
	assert.Equal(t, `"1.2.0"`, string(v))
}

func TestSQLiteDB_SlowHandleSeesEveryChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	busy := openTestSQLite(t, path)
	slow, err := OpenSQLite(SQLiteConfig{Path: path, PollInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = slow.Close() })

	var mu sync.Mutex
	var keys []string
	record := func(c Change) {
		mu.Lock()
		keys = append(keys, c.Key)
		mu.Unlock()
	}
	slow.Area(AreaSync).OnChanged(record)
	slow.Area(AreaLocal).OnChanged(record)

	const writes = 1100
	for i := 0; i < writes; i++ {
		require.NoError(t, busy.Area(AreaSync).Set(ctx, "counter", json.RawMessage(fmt.Sprint(i))))
	}
	require.NoError(t, busy.Area(AreaLocal).Set(ctx, "relay:ready_version", json.RawMessage(`"1.2.0"`)))
	require.NoError(t, busy.pollOnce(ctx))

	require.NoError(t, slow.pollOnce(ctx))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, writes+1)
	assert.Equal(t, "counter", keys[0])
	assert.Equal(t, "relay:ready_version", keys[writes])
}

func TestSQLiteDB_PrunesByAge(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "relay.db"),
		PollInterval:    time.Hour,
		ChangeRetention: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	countChanges := func() int {
		var n int
		require.NoError(t, db.db.QueryRow(`SELECT COUNT(*) FROM changes`).Scan(&n))
		return n
	}

	require.NoError(t, db.Area(AreaLocal).Set(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, db.Area(AreaLocal).Set(ctx, "b", json.RawMessage(`2`)))
	assert.Equal(t, 2, countChanges())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, db.Area(AreaLocal).Set(ctx, "c", json.RawMessage(`3`)))
	require.NoError(t, db.pollOnce(ctx))
	assert.Equal(t, 1, countChanges(), "only the recent change is kept")
}

func TestSQLiteArea_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	db, err := OpenSQLite(SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, db.Area(AreaSync).Set(ctx, "k", json.RawMessage(`true`)))
	require.NoError(t, db.Close())

	db = openTestSQLite(t, path)
	v, err := db.Area(AreaSync).Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "true", string(v))
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := sqliteDSN(DriverModernc, "/tmp/x.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "_pragma=busy_timeout(5000)")

	dsn, err = sqliteDSN(DriverCGo, "/tmp/x.db")
	require.NoError(t, err)
	assert.Contains(t, dsn, "_busy_timeout=5000")

	_, err = sqliteDSN("postgres", "/tmp/x.db")
	assert.Error(t, err)
}
