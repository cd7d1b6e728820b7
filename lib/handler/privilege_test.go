// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"os/user"
	"testing"
)

func TestDropPrivilegesToResolvesCurrentUser(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("user.Current unavailable in this environment: %v", err)
	}

	fn, err := DropPrivilegesTo(current.Username)
	if err != nil {
		t.Fatalf("DropPrivilegesTo(%q): %v", current.Username, err)
	}
	if fn == nil {
		t.Fatal("expected a non-nil drop function")
	}
}

func TestDropPrivilegesToResolvesNumericUID(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("user.Current unavailable in this environment: %v", err)
	}

	fn, err := DropPrivilegesTo(current.Uid)
	if err != nil {
		t.Fatalf("DropPrivilegesTo(%q): %v", current.Uid, err)
	}
	if fn == nil {
		t.Fatal("expected a non-nil drop function")
	}
}

func TestDropPrivilegesToUnknownIdentityErrors(t *testing.T) {
	_, err := DropPrivilegesTo("this-user-should-not-exist-anywhere")
	if err == nil {
		t.Fatal("expected an error for an unresolvable identity")
	}
}
