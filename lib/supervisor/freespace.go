// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"syscall"
)

// freeMiB reports the free space available to an unprivileged user on
// the filesystem holding path, in mebibytes.
func freeMiB(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	bytesFree := uint64(stat.Bavail) * uint64(stat.Bsize)
	return int64(bytesFree / (1024 * 1024)), nil
}

// checkFreeSpace compares free space on every path in paths against
// minMiB. minMiB <= 0 disables the check. The first breach found is
// returned as an error naming the offending path and the shortfall.
func checkFreeSpace(paths []string, minMiB int64) error {
	if minMiB <= 0 {
		return nil
	}
	for _, path := range paths {
		free, err := freeMiB(path)
		if err != nil {
			return fmt.Errorf("free-space watchdog: %w", err)
		}
		if free < minMiB {
			return fmt.Errorf("free-space watchdog: %s has %d MiB free, below configured minimum %d MiB", path, free, minMiB)
		}
	}
	return nil
}
