// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. This is
// the standard listener binary entrypoint error handler. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCodeClean and ExitCodeUnrecoverable are the two exit codes the
// listener ever produces: 0 for a clean shutdown requested by a
// signal, 1 for any unrecoverable error (ordering violation, cache
// corruption, schema fence failure, free-space breach, or exhausted
// reconnect budget).
const (
	ExitCodeClean         = 0
	ExitCodeUnrecoverable = 1
)
