// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package txlog implements the transaction file: an append-only log of
// committed (id, command, dn) tuples plus a sparse index mapping id to
// byte offset, for downstream agents that want to tail the listener's
// view without reading the entry cache directly.
//
// Both the log and the index are flushed to stable storage before the
// dispatcher advances the master cursor, matching this codebase's
// write-then-fsync-before-advance discipline (see lib/watchdog and
// lib/cursor for the same pattern applied to other durable state).
package txlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/univention/directory-listener/lib/dn"
)

// Command is the transaction's directory operation.
type Command byte

const (
	Add    Command = 'a'
	Modify Command = 'm'
	Delete Command = 'd'
	ModRDN Command = 'r'
)

func (c Command) String() string { return string(c) }

// Record is one committed transaction.
type Record struct {
	ID      uint64
	Command Command
	DN      dn.DN
}

// indexEntryInterval controls how often an index entry is written
// relative to appended records. Every record's offset does not need
// its own index row; one row for every 64th record appended by a
// Writer (the 1st, 65th, 129th, ...) suffices for this index to
// narrow a random lookup down to a short linear scan.
const indexEntryInterval = 64

// Writer appends transaction records to the log file and periodically
// records their byte offsets in the index file. Not safe for
// concurrent use — the dispatcher is the log's single writer per
// invariant 1.
type Writer struct {
	logFile   *os.File
	logWriter *bufio.Writer
	indexFile *os.File
	offset    int64
	appended  uint64
}

// Open opens (creating if necessary) the log at logPath and its index
// at indexPath, appending to both. Before trusting the file's size as
// the write offset, Open runs the same recovery the spec requires on
// startup (§4.4): it finds the index entry nearest the end of the
// file, scans forward from there with ScanValidTail, and — if that
// scan stops short of EOF, meaning the last Append was interrupted
// mid-write by a crash — truncates both the log and the index back to
// the last well-formed record before resuming.
func Open(logPath, indexPath string) (*Writer, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txlog: opening log %s: %w", logPath, err)
	}

	info, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("txlog: stat log %s: %w", logPath, err)
	}
	size := info.Size()

	index, err := ReadIndex(indexPath)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	scanFrom := int64(0)
	for _, e := range index {
		if e.Offset > size {
			break
		}
		scanFrom = e.Offset
	}

	validTail, err := ScanValidTail(logPath, scanFrom)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("txlog: scanning log %s for a torn trailing record: %w", logPath, err)
	}

	if validTail < size {
		if err := Truncate(logPath, validTail); err != nil {
			logFile.Close()
			return nil, err
		}
		size = validTail

		keepIndex := 0
		for _, e := range index {
			if e.Offset >= validTail {
				break
			}
			keepIndex++
		}
		if err := truncateIndex(indexPath, keepIndex); err != nil {
			logFile.Close()
			return nil, err
		}
	}

	indexFile, err := os.OpenFile(indexPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("txlog: opening index %s: %w", indexPath, err)
	}

	return &Writer{
		logFile:   logFile,
		logWriter: bufio.NewWriter(logFile),
		indexFile: indexFile,
		offset:    size,
	}, nil
}

// truncateIndex discards every index entry past keepCount, used after
// recovery drops a torn trailing log record whose index entry (if any)
// now points past the truncated end of the log.
func truncateIndex(indexPath string, keepCount int) error {
	if err := os.Truncate(indexPath, int64(keepCount)*indexEntrySize); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("txlog: truncating index %s: %w", indexPath, err)
	}
	return nil
}

// Append writes r to the log and, if this record falls on an index
// boundary, a corresponding entry to the index. Both files are
// flushed and fsynced before Append returns, satisfying invariant 5
// (durability before the cursor advances) from the caller's side.
func (w *Writer) Append(r Record) error {
	line := formatLine(r)

	startOffset := w.offset
	n, err := w.logWriter.WriteString(line)
	if err != nil {
		return fmt.Errorf("txlog: writing record %d: %w", r.ID, err)
	}
	if err := w.logWriter.Flush(); err != nil {
		return fmt.Errorf("txlog: flushing log: %w", err)
	}
	if err := w.logFile.Sync(); err != nil {
		return fmt.Errorf("txlog: syncing log: %w", err)
	}
	w.offset += int64(n)

	if w.appended%indexEntryInterval == 0 {
		if err := appendIndexEntry(w.indexFile, r.ID, startOffset); err != nil {
			return fmt.Errorf("txlog: writing index entry for %d: %w", r.ID, err)
		}
	}
	w.appended++

	return nil
}

// Close flushes and closes both underlying files.
func (w *Writer) Close() error {
	if err := w.logWriter.Flush(); err != nil {
		w.logFile.Close()
		w.indexFile.Close()
		return fmt.Errorf("txlog: flushing log on close: %w", err)
	}
	logErr := w.logFile.Close()
	indexErr := w.indexFile.Close()
	if logErr != nil {
		return fmt.Errorf("txlog: closing log: %w", logErr)
	}
	if indexErr != nil {
		return fmt.Errorf("txlog: closing index: %w", indexErr)
	}
	return nil
}

// indexEntrySize is the encoded size of one (id uint64, offset int64)
// index record.
const indexEntrySize = 16

func appendIndexEntry(f *os.File, id uint64, offset int64) error {
	var buf [indexEntrySize]byte
	binary.BigEndian.PutUint64(buf[0:8], id)
	binary.BigEndian.PutUint64(buf[8:16], uint64(offset))
	if _, err := f.Write(buf[:]); err != nil {
		return err
	}
	return f.Sync()
}

func formatLine(r Record) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(r.ID, 10))
	b.WriteByte('\t')
	b.WriteByte(byte(r.Command))
	b.WriteByte('\t')
	b.WriteString(r.DN.String())
	b.WriteByte('\n')
	return b.String()
}

// ReadIndex loads indexPath into a slice of (id, offset) pairs in file
// order, oldest entry first (Open walks it in that order to find the
// nearest index entry before a truncation scan).
func ReadIndex(indexPath string) ([]IndexEntry, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("txlog: reading index %s: %w", indexPath, err)
	}
	if len(data)%indexEntrySize != 0 {
		return nil, fmt.Errorf("txlog: index %s has truncated trailing entry (%d bytes, not a multiple of %d)", indexPath, len(data), indexEntrySize)
	}

	entries := make([]IndexEntry, 0, len(data)/indexEntrySize)
	for i := 0; i < len(data); i += indexEntrySize {
		id := binary.BigEndian.Uint64(data[i : i+8])
		offset := int64(binary.BigEndian.Uint64(data[i+8 : i+16]))
		entries = append(entries, IndexEntry{ID: id, Offset: offset})
	}
	return entries, nil
}

// IndexEntry is one (id, byte offset) pair from the index file.
type IndexEntry struct {
	ID     uint64
	Offset int64
}

// Truncate shortens the log file at logPath to exactly keepOffset
// bytes, discarding everything after it, such as a partial trailing
// write left by a crash mid-Append. It does not search for a record
// boundary itself: the caller supplies one, as Open does with the
// offset ScanValidTail returns.
func Truncate(logPath string, keepOffset int64) error {
	f, err := os.OpenFile(logPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("txlog: opening log %s for truncation: %w", logPath, err)
	}
	defer f.Close()

	if err := f.Truncate(keepOffset); err != nil {
		return fmt.Errorf("txlog: truncating log %s to %d: %w", logPath, keepOffset, err)
	}
	return f.Sync()
}

// ScanValidTail reads logPath starting at fromOffset and returns the
// byte offset one past the last well-formed line found before either
// EOF or a malformed (partially written) line. A final line with no
// terminating newline counts as partially written. Used by recovery to
// find the exact truncation point after a crash mid-Append, since the
// index only narrows the search to the nearest preceding boundary.
func ScanValidTail(logPath string, fromOffset int64) (int64, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return 0, fmt.Errorf("txlog: opening log %s: %w", logPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(fromOffset, 0); err != nil {
		return 0, fmt.Errorf("txlog: seeking log %s to %d: %w", logPath, fromOffset, err)
	}

	offset := fromOffset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if !isWellFormedLine(line) {
			break
		}
		offset += int64(len(line)) + 1
	}
	return offset, nil
}

func isWellFormedLine(line string) bool {
	parts := strings.Split(line, "\t")
	if len(parts) != 3 {
		return false
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return false
	}
	if len(parts[1]) != 1 {
		return false
	}
	switch Command(parts[1][0]) {
	case Add, Modify, Delete, ModRDN:
	default:
		return false
	}
	return parts[2] != ""
}
