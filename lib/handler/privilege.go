// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// DropPrivilegesTo returns a function suitable for Config.DropPrivileges
// that re-sets the process's effective uid/gid to identity (a
// username or numeric uid) every time it is called. §4.7's "Privilege"
// contract calls this after every hook invocation returns, not just
// once at startup, so a hook that briefly escalates (e.g. to bind a
// privileged port) can never leave the process elevated.
//
// An empty identity disables privilege dropping: Config.DropPrivileges
// should be left nil in that case rather than calling this.
func DropPrivilegesTo(identity string) (func() error, error) {
	u, err := user.Lookup(identity)
	if err != nil {
		if uid, numErr := strconv.Atoi(identity); numErr == nil {
			u = &user.User{Uid: strconv.Itoa(uid), Gid: strconv.Itoa(uid)}
		} else {
			return nil, fmt.Errorf("handler: resolving unprivileged identity %q: %w", identity, err)
		}
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("handler: parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("handler: parsing gid %q: %w", u.Gid, err)
	}

	return func() error {
		if err := syscall.Setegid(gid); err != nil {
			return fmt.Errorf("handler: dropping group privileges: %w", err)
		}
		if err := syscall.Seteuid(uid); err != nil {
			return fmt.Errorf("handler: dropping user privileges: %w", err)
		}
		return nil
	}, nil
}
