// Package storage provides the storage channel: named key-value areas with
// change notifications visible to every subscriber.
//
// # Areas
//
// Three areas are opened per process:
//
//   - local:   durable, shared by every process using the same backend file
//   - sync:    durable, same backend as local under a separate namespace
//   - session: in-memory, lost on restart
//
// # Backends
//
//   - sqlite (default): modernc.org/sqlite, pure Go
//   - sqlite3: github.com/mattn/go-sqlite3 (cgo)
//   - leveldb: github.com/syndtr/goleveldb, single process only
//   - memory: everything in-process, for tests and ephemeral runs
//
// The SQLite backend records every write in a changes table. Each handle
// polls that table and delivers writes from other origins to its listeners;
// its own writes are delivered immediately after commit.
//
// Values are JSON documents. Get returns ErrNotFound for absent keys.
package storage
