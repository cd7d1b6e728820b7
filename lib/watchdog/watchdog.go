// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides the crash watchdog marker: a small
// atomically-written file recording "a cache commit for transaction id
// is in flight" so a restart can distinguish crashing mid-commit from
// crashing before a commit ever started.
//
// The dispatcher writes a [Marker] immediately before entering its
// COMMIT_CACHE state for a transaction and removes it once
// ADVANCE_CURSOR completes. This is strictly diagnostic: the master
// cursor and entry cache remain the sole source of truth for where to
// resume. A marker present on startup only sharpens what gets logged
// about the interrupted run.
//
// The marker file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// observe a partial or corrupt marker.
package watchdog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Marker records the transaction id and DN under mutation at the
// moment a cache commit began.
type Marker struct {
	// ID is the transaction id whose commit was in flight.
	ID uint64

	// DN is the distinguished name of the entry being committed.
	DN string
}

// Write atomically writes the crash watchdog marker. The file is
// written to a temporary location in the same directory, fsynced for
// durability, and renamed into place. Readers never see a partial
// write.
//
// The on-disk format is binary: an 8-byte big-endian transaction id
// followed by a 4-byte big-endian length and the DN's UTF-8 bytes.
// This is not CBOR because the byte layout is fixed and tiny; a
// general-purpose codec buys nothing here.
//
// The parent directory must already exist.
func Write(path string, marker Marker) error {
	dn := []byte(marker.DN)
	data := make([]byte, 8+4+len(dn))
	binary.BigEndian.PutUint64(data[0:8], marker.ID)
	binary.BigEndian.PutUint32(data[8:12], uint32(len(dn)))
	copy(data[12:], dn)

	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary watchdog marker: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary watchdog marker: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary watchdog marker: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary watchdog marker: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming watchdog marker into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// ErrMarkerTruncated is returned by [Read] when the marker file exists
// but is too short to contain a valid header, or its declared DN
// length runs past the end of the file.
var ErrMarkerTruncated = errors.New("watchdog: marker file truncated")

// Read reads and parses the crash watchdog marker file. When the file
// does not exist, the returned error wraps os.ErrNotExist (testable
// with errors.Is).
func Read(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}

	if len(data) < 12 {
		return Marker{}, ErrMarkerTruncated
	}

	id := binary.BigEndian.Uint64(data[0:8])
	dnLen := binary.BigEndian.Uint32(data[8:12])
	if uint64(12+dnLen) > uint64(len(data)) {
		return Marker{}, ErrMarkerTruncated
	}

	return Marker{
		ID: id,
		DN: string(data[12 : 12+dnLen]),
	}, nil
}

// Check reads the crash watchdog marker file and reports whether one
// is present. Returns the zero Marker and found=false when the file
// does not exist. Any other error (permission denied, truncated file)
// is returned as-is so the caller can distinguish "no marker" from
// "marker exists but unreadable."
func Check(path string) (Marker, bool, error) {
	marker, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, err
	}
	return marker, true, nil
}

// Clear removes the crash watchdog marker file. Idempotent: returns
// nil when the file does not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing watchdog marker: %w", err)
	}
	return nil
}
