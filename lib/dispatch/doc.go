// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the per-transaction state machine that
// wires every other listener component together:
//
//	IDLE -> got_id -> FETCH_META -> FETCH_ENTRY -> LOAD_OLD -> DIFF ->
//	RUN_REPLICATION -> RUN_OTHERS -> COMMIT_CACHE -> APPEND_TXLOG ->
//	ADVANCE_CURSOR -> IDLE
//
// [Dispatcher.Run] drives this machine forever, one transaction at a
// time, with no parallelism: the single-writer, strict-ordering
// guarantees the rest of the system depends on come entirely from
// there being exactly one active control flow advancing the cache and
// the cursor.
//
// Dispatcher depends on its collaborators through narrow interfaces
// (notifierClient, directoryClient, entryCache, handlerRuntime,
// transactionLog) rather than the concrete lib/notifierclient,
// lib/directoryclient, lib/cache, lib/handler, and lib/txlog types
// directly, so the state machine itself can be exercised with fakes in
// tests without a live notifier, directory server, or SQLite file.
package dispatch
