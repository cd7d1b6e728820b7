// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is the entry cache: a SQLite-backed store mapping each
// known DN to its shadow entry (the listener's record of the
// directory entry's current attributes and which handlers have
// successfully reconciled it).
//
// The cache is the dispatcher's source of truth for the entry's prior
// state when computing a diff (COMMIT_CACHE writes the post-diff
// state back before the transaction is considered durable). It is
// also readable as a consistent point-in-time snapshot by the
// scheduled export job without interfering with the dispatcher's
// writes, because the underlying connection pool runs SQLite in WAL
// mode (see lib/sqlitepool).
//
// Record encoding is split across two files: record.go implements the
// spec-mandated binary layout for the per-entry BLOB column (not CBOR
// — see that file for why), and cache.go implements the store
// operations and the small metadata table (master notifier/schema IDs
// and other small values, which have no externally mandated format
// and so use the ordinary CBOR codec from lib/codec).
package cache
