// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package txlog implements the optional transaction file: an
// append-only record of every committed transaction, for downstream
// agents that tail the listener's view of the directory without
// reading the entry cache.
//
// Writing the transaction file is enabled by config.Config's
// WriteTransactionFile flag. When enabled, the dispatcher's
// APPEND_TXLOG step must complete (and be fsynced, along with its
// index) before ADVANCE_CURSOR runs, so that after a crash, the
// transaction file's content never lags what the master cursor
// claims to have committed. If the write fails, the pipeline halts
// rather than silently dropping a record.
package txlog
