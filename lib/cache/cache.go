// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the entry cache: the listener's durable
// key/value store from DN to (entry, module-present set), plus a
// small typed metadata table.
//
// Write atomicity per DN and crash consistency are delegated to
// SQLite's WAL journal (a reader either sees the pre-image or the
// post-image of a write, never a torn record; after an unclean
// shutdown, the last fully-committed state is restored automatically
// by SQLite's own WAL replay — no listener-level recovery code is
// needed). The cache is safe to read as a snapshot without blocking
// the writer because WAL readers never block on, or block, the single
// writer connection.
//
// The per-row wire format (the BLOB column's contents) is the
// spec-mandated length-prefixed binary tuple implemented in record.go
// — see that file's comment for why this bypasses the general CBOR
// codec. The metadata table's values are free-form and CBOR-encoded
// via lib/codec, since their shape varies by key.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/univention/directory-listener/lib/codec"
	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
	"github.com/univention/directory-listener/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	dn TEXT PRIMARY KEY,
	record BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

// Config holds the parameters for opening an entry cache.
type Config struct {
	// Path is the filesystem path of the SQLite database file.
	Path string

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Cache is the entry cache. Safe for concurrent use; see lib/sqlitepool
// for the underlying connection discipline.
type Cache struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the entry cache at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: opening %s: %w", cfg.Path, err)
	}

	return &Cache{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// Get returns the entry stored for d, or found=false if no entry is
// cached for that DN.
//
// d must be a canonical DN produced by [dn.Canonicalize]; the cache
// rejects the zero value as a non-canonical key.
func (c *Cache) Get(ctx context.Context, d dn.DN) (entry.Entry, bool, error) {
	if d.IsZero() {
		return entry.Entry{}, false, fmt.Errorf("cache: rejecting non-canonical (zero-value) DN key")
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("cache: get: %w", err)
	}
	defer c.pool.Put(conn)

	var record []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT record FROM entries WHERE dn = ?", &sqlitex.ExecOptions{
		Args: []any{d.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			record = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, record)
			return nil
		},
	})
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("cache: get %s: %w", d.String(), err)
	}
	if !found {
		return entry.Entry{}, false, nil
	}

	attrs, modules, err := decodeRecord(record)
	if err != nil {
		return entry.Entry{}, false, fmt.Errorf("cache: %s: %w", d.String(), err)
	}

	return entry.Entry{DN: d, Attributes: attrs, ModulePresent: modules}, true, nil
}

// Put writes e into the cache, replacing any prior record for e.DN.
// The write is atomic: a concurrent reader sees either the prior
// record or this one, never a mix.
func (c *Cache) Put(ctx context.Context, e entry.Entry) error {
	if e.DN.IsZero() {
		return fmt.Errorf("cache: rejecting non-canonical (zero-value) DN key")
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	defer c.pool.Put(conn)

	record := encodeRecord(e)

	err = sqlitex.Execute(conn, "INSERT INTO entries (dn, record) VALUES (?, ?) ON CONFLICT(dn) DO UPDATE SET record = excluded.record", &sqlitex.ExecOptions{
		Args: []any{e.DN.String(), record},
	})
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", e.DN.String(), err)
	}
	return nil
}

// Delete removes the record for d, if any. Deleting a nonexistent DN
// is not an error.
func (c *Cache) Delete(ctx context.Context, d dn.DN) error {
	if d.IsZero() {
		return fmt.Errorf("cache: rejecting non-canonical (zero-value) DN key")
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM entries WHERE dn = ?", &sqlitex.ExecOptions{
		Args: []any{d.String()},
	})
	if err != nil {
		return fmt.Errorf("cache: delete %s: %w", d.String(), err)
	}
	return nil
}

// Snapshot invokes fn once for every entry currently in the cache, in
// DN order, using a dedicated connection. Because the cache runs in
// WAL mode, this iterates a consistent point-in-time view without
// blocking or being blocked by the single writer — suitable for full
// resynchronization by external tools or the scheduled snapshot
// export.
//
// fn's error, if any, stops iteration and is returned from Snapshot.
func (c *Cache) Snapshot(ctx context.Context, fn func(entry.Entry) error) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: snapshot: %w", err)
	}
	defer c.pool.Put(conn)

	var callbackErr error
	err = sqlitex.Execute(conn, "SELECT dn, record FROM entries ORDER BY dn", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if callbackErr != nil {
				return nil
			}
			dnString := stmt.ColumnText(0)
			record := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, record)

			attrs, modules, decodeErr := decodeRecord(record)
			if decodeErr != nil {
				callbackErr = fmt.Errorf("cache: snapshot %s: %w", dnString, decodeErr)
				return nil
			}

			e := entry.Entry{DN: dn.Canonicalize(dnString), Attributes: attrs, ModulePresent: modules}
			if err := fn(e); err != nil {
				callbackErr = err
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("cache: snapshot: %w", err)
	}
	return callbackErr
}

// GetMeta returns the CBOR-decoded metadata value for key into dest.
// Returns found=false if no value is stored under key.
func (c *Cache) GetMeta(ctx context.Context, key string, dest any) (bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("cache: get meta %s: %w", key, err)
	}
	defer c.pool.Put(conn)

	var raw []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM metadata WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			raw = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, raw)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("cache: get meta %s: %w", key, err)
	}
	if !found {
		return false, nil
	}

	if err := codec.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: decoding meta %s: %w", key, err)
	}
	return true, nil
}

// SetMeta stores value under key, CBOR-encoded.
func (c *Cache) SetMeta(ctx context.Context, key string, value any) error {
	raw, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encoding meta %s: %w", key, err)
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("cache: set meta %s: %w", key, err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", &sqlitex.ExecOptions{
		Args: []any{key, raw},
	})
	if err != nil {
		return fmt.Errorf("cache: set meta %s: %w", key, err)
	}
	return nil
}
