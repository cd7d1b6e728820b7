// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package cursor implements the master cursor: the single persisted
// record of how far the listener has replayed the notifier's
// transaction stream.
//
// The cursor is the sole source of truth for "where am I in the
// stream" on restart — the dispatcher requests notifier_id+1 from the
// notifier at startup. Every write uses the
// write-to-temporary-file-then-rename idiom shared with lib/watchdog:
// a reader (this process, on its next restart) always observes either
// the previous cursor or the new one, never a partially written file.
package cursor
