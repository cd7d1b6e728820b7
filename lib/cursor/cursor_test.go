// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadMissingFileReturnsZeroCursor(t *testing.T) {
	c, err := Read(filepath.Join(t.TempDir(), "master.state"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(c, Cursor{NotifierID: 0, SchemaID: 0, ModuleDirsHash: nil}) {
		t.Errorf("c = %+v, want zero value", c)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.state")
	want := Cursor{NotifierID: 4242, SchemaID: 7, ModuleDirsHash: []byte{0xDE, 0xAD, 0xBE, 0xEF}}

	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.NotifierID != want.NotifierID || got.SchemaID != want.SchemaID || string(got.ModuleDirsHash) != string(want.ModuleDirsHash) {
		t.Errorf("got = %+v, want %+v", got, want)
	}
}

func TestWriteEmptyHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.state")
	want := Cursor{NotifierID: 1, SchemaID: 1}

	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.NotifierID != 1 || got.SchemaID != 1 || len(got.ModuleDirsHash) != 0 {
		t.Errorf("got = %+v", got)
	}
}

func TestWriteOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.state")

	if err := Write(path, Cursor{NotifierID: 1, SchemaID: 1}); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := Write(path, Cursor{NotifierID: 2, SchemaID: 1}); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.NotifierID != 2 {
		t.Errorf("NotifierID = %d, want 2", got.NotifierID)
	}
}

func TestWriteNoTemporaryFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.state")

	if err := Write(path, Cursor{NotifierID: 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "master.state" {
		t.Errorf("dir entries = %v, want only master.state", entries)
	}
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.state")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Read(path)
	if err == nil {
		t.Error("expected error for truncated cursor file")
	}
}

func TestHashModuleDirsStableAndOrderSensitive(t *testing.T) {
	a := HashModuleDirs([]string{"/etc/listener/handlers.d", "/etc/listener/local.d"})
	b := HashModuleDirs([]string{"/etc/listener/handlers.d", "/etc/listener/local.d"})
	if string(a) != string(b) {
		t.Error("expected HashModuleDirs to be deterministic for the same input")
	}

	reordered := HashModuleDirs([]string{"/etc/listener/local.d", "/etc/listener/handlers.d"})
	if string(a) == string(reordered) {
		t.Error("expected HashModuleDirs to be sensitive to directory order")
	}

	different := HashModuleDirs([]string{"/etc/listener/handlers.d"})
	if string(a) == string(different) {
		t.Error("expected HashModuleDirs to differ for a different directory set")
	}
}

func TestReadRejectsHashLengthMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.state")
	// header claims a 10-byte hash but only 2 bytes follow.
	data := append(encode(Cursor{NotifierID: 1, SchemaID: 1}), []byte{0xAA, 0xBB}...)
	data[19] = 10
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Read(path)
	if err == nil {
		t.Error("expected error for hash length mismatch")
	}
}
