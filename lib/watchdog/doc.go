// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides the crash watchdog marker described in
// [Marker]: an atomically-written file recording "a cache commit for
// transaction id is in flight," cleared once the master cursor
// advances past that transaction.
//
// The intended workflow:
//
//  1. Before entering COMMIT_CACHE for transaction id: call [Write]
//     with the transaction id and the DN under mutation.
//  2. After ADVANCE_CURSOR completes for that transaction: call
//     [Clear].
//  3. On startup, before resuming from the master cursor: call
//     [Check]. If a marker is present, log that the prior run crashed
//     between COMMIT_CACHE and ADVANCE_CURSOR for that transaction,
//     then [Clear] it. The cursor and cache remain the sole source of
//     truth for where to resume — this is a diagnostic enrichment,
//     not a recovery mechanism.
//
// The marker file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// see a partial or corrupt marker.
//
// This package has no dependencies on other listener packages.
package watchdog
