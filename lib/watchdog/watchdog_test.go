// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	marker := Marker{ID: 42, DN: "cn=alice,ou=people,dc=example,dc=com"}

	if err := Write(path, marker); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got.ID != marker.ID {
		t.Errorf("ID = %d, want %d", got.ID, marker.ID)
	}
	if got.DN != marker.DN {
		t.Errorf("DN = %q, want %q", got.DN, marker.DN)
	}
}

func TestWriteEmptyDN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	marker := Marker{ID: 1, DN: ""}

	if err := Write(path, marker); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.DN != "" {
		t.Errorf("DN = %q, want empty", got.DN)
	}
	if got.ID != 1 {
		t.Errorf("ID = %d, want 1", got.ID)
	}
}

func TestWriteOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := Write(path, Marker{ID: 2, DN: "cn=b,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write second: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ID != 2 || got.DN != "cn=b,dc=example,dc=com" {
		t.Errorf("got %+v, want second write's marker", got)
	}
}

func TestWriteFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if permissions := info.Mode().Perm(); permissions != 0600 {
		t.Errorf("permissions = %04o, want 0600", permissions)
	}
}

func TestWriteNoTemporaryFileLeftBehind(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file still exists after successful Write")
	}
}

func TestWriteParentDirectoryMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent", "subdir", "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err == nil {
		t.Fatal("Write to nonexistent parent directory should fail")
	}
}

func TestReadNonexistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.state")

	_, err := Read(path)
	if err == nil {
		t.Fatal("Read nonexistent file should return an error")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error should wrap os.ErrNotExist, got: %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	if err := os.WriteFile(path, []byte{0x01, 0x02}, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Read(path)
	if !errors.Is(err, ErrMarkerTruncated) {
		t.Errorf("Read: got %v, want ErrMarkerTruncated", err)
	}
}

func TestReadTruncatedDN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	// Header claims a DN length far longer than the bytes that follow.
	data := make([]byte, 12)
	data[11] = 0xFF
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Read(path)
	if !errors.Is(err, ErrMarkerTruncated) {
		t.Errorf("Read: got %v, want ErrMarkerTruncated", err)
	}
}

func TestCheckPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	marker := Marker{ID: 7, DN: "cn=a,dc=example,dc=com"}

	if err := Write(path, marker); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, found, err := Check(path)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !found {
		t.Fatal("Check should return found=true for a present marker")
	}
	if got.ID != 7 {
		t.Errorf("ID = %d, want 7", got.ID)
	}
}

func TestCheckNonexistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.state")

	_, found, err := Check(path)
	if err != nil {
		t.Fatalf("Check should not return an error for nonexistent file, got: %v", err)
	}
	if found {
		t.Error("Check should return found=false for nonexistent file")
	}
}

func TestCheckTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")
	if err := os.WriteFile(path, []byte{0x01}, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, _, err := Check(path)
	if err == nil {
		t.Fatal("Check should return an error for a truncated marker (not silently ignore it)")
	}
}

func TestClearExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := Clear(path); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after Clear")
	}
}

func TestClearNonexistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.state")

	if err := Clear(path); err != nil {
		t.Errorf("Clear nonexistent file should be idempotent, got: %v", err)
	}
}

func TestClearIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.state")

	if err := Write(path, Marker{ID: 1, DN: "cn=a,dc=example,dc=com"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := Clear(path); err != nil {
		t.Fatalf("Clear first: %v", err)
	}
	if err := Clear(path); err != nil {
		t.Errorf("Clear second (idempotent): %v", err)
	}
}
