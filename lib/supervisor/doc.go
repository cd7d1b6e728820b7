// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor wires the dispatcher's per-transaction state
// machine to the process-level concerns that sit outside it: signal
// handling (graceful drain on SIGTERM/SIGINT, module-directory rescan
// on SIGHUP), the free-space watchdog and failed-replay quarantine
// check that gate every transaction, the operator control socket, and
// the scheduled snapshot export.
//
// The supervisor owns no part of the single-writer pipeline itself —
// it only decides when the dispatcher is allowed to proceed
// (PreTransactionCheck), when it must stop (context cancellation), and
// exposes read-only status. The control socket and the snapshot
// exporter each run on their own goroutine but only ever read
// already-committed cache state, so neither competes with the
// dispatcher's single control flow.
package supervisor
