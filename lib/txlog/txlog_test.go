// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package txlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/univention/directory-listener/lib/dn"
)

func openTestWriter(t *testing.T) (*Writer, string, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transaction.log")
	indexPath := filepath.Join(dir, "transaction.idx")

	w, err := Open(logPath, indexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, logPath, indexPath
}

func TestAppendWritesLineFormat(t *testing.T) {
	w, logPath, _ := openTestWriter(t)

	err := w.Append(Record{ID: 1, Command: Modify, DN: dn.Canonicalize("cn=alice,dc=example,dc=com")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "1\tm\tcn=alice,dc=example,dc=com\n"
	if string(data) != want {
		t.Errorf("log contents = %q, want %q", data, want)
	}
}

func TestAppendIndexesFirstRecord(t *testing.T) {
	w, _, indexPath := openTestWriter(t)

	if err := w.Append(Record{ID: 1, Command: Add, DN: dn.Canonicalize("cn=alice,dc=example,dc=com")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := ReadIndex(indexPath)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %v, want 1", entries)
	}
	if entries[0].ID != 1 || entries[0].Offset != 0 {
		t.Errorf("entries[0] = %+v, want {ID:1 Offset:0}", entries[0])
	}
}

func TestAppendIndexesOnInterval(t *testing.T) {
	w, _, indexPath := openTestWriter(t)

	for i := uint64(1); i <= indexEntryInterval+1; i++ {
		if err := w.Append(Record{ID: i, Command: Modify, DN: dn.Canonicalize("cn=x,dc=example,dc=com")}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	entries, err := ReadIndex(indexPath)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 (at appended index 0 and index %d)", entries, indexEntryInterval)
	}
}

func TestReadIndexMissingFileReturnsEmpty(t *testing.T) {
	entries, err := ReadIndex(filepath.Join(t.TempDir(), "nonexistent.idx"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want empty", entries)
	}
}

func TestReadIndexRejectsTruncatedEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.idx")
	if err := os.WriteFile(path, make([]byte, indexEntrySize+3), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := ReadIndex(path)
	if err == nil {
		t.Error("expected error for truncated trailing index entry")
	}
}

func TestScanValidTailStopsAtMalformedLine(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transaction.log")

	good := "1\tm\tcn=alice,dc=example,dc=com\n2\ta\tcn=bob,dc=example,dc=com\n"
	bad := "3\tm\tcn=carol" // no trailing newline: a crash mid-write
	if err := os.WriteFile(logPath, []byte(good+bad), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	offset, err := ScanValidTail(logPath, 0)
	if err != nil {
		t.Fatalf("ScanValidTail: %v", err)
	}
	if int(offset) != len(good) {
		t.Errorf("offset = %d, want %d", offset, len(good))
	}
}

func TestTruncateShortensFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transaction.log")
	if err := os.WriteFile(logPath, []byte("1\tm\tcn=alice,dc=example,dc=com\nGARBAGE"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	keep := int64(len("1\tm\tcn=alice,dc=example,dc=com\n"))
	if err := Truncate(logPath, keep); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(data)) != keep {
		t.Errorf("len(data) = %d, want %d", len(data), keep)
	}
}

func TestOpenTruncatesTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transaction.log")
	indexPath := filepath.Join(dir, "transaction.idx")

	good := "1\tm\tcn=alice,dc=example,dc=com\n2\ta\tcn=bob,dc=example,dc=com\n"
	torn := "3\tm\tcn=carol" // crash mid-write: no trailing newline
	if err := os.WriteFile(logPath, []byte(good+torn), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// An index entry pointing at the torn record's start offset, as if
	// it had been written just before the crash.
	if err := appendIndexEntry(mustOpenForAppend(t, indexPath), 3, int64(len(good))); err != nil {
		t.Fatalf("appendIndexEntry: %v", err)
	}

	w, err := Open(logPath, indexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != good {
		t.Errorf("log contents after recovery = %q, want %q (torn record discarded)", data, good)
	}

	index, err := ReadIndex(indexPath)
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(index) != 0 {
		t.Errorf("index after recovery = %v, want empty (its only entry pointed at the discarded record)", index)
	}

	if err := w.Append(Record{ID: 3, Command: Modify, DN: dn.Canonicalize("cn=carol,dc=example,dc=com")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	data, err = os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := good + "3\tm\tcn=carol,dc=example,dc=com\n"
	if string(data) != want {
		t.Errorf("log contents after re-append = %q, want %q", data, want)
	}
}

func mustOpenForAppend(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestOpenRecomputesOffsetFromExistingLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "transaction.log")
	indexPath := filepath.Join(dir, "transaction.idx")

	existing := "1\tm\tcn=alice,dc=example,dc=com\n"
	if err := os.WriteFile(logPath, []byte(existing), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := Open(logPath, indexPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Append(Record{ID: 2, Command: Modify, DN: dn.Canonicalize("cn=bob,dc=example,dc=com")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := existing + "2\tm\tcn=bob,dc=example,dc=com\n"
	if string(data) != want {
		t.Errorf("log contents = %q, want %q", data, want)
	}
}
