// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Cursor is the persisted replication position.
type Cursor struct {
	// NotifierID is the highest transaction id fully committed to the
	// entry cache.
	NotifierID uint64
	// SchemaID is the authoritative schema generation observed as of
	// NotifierID.
	SchemaID uint64
	// ModuleDirsHash identifies the set of module directories that were
	// in effect when NotifierID was committed, so a configuration change
	// that alters which handlers exist can be detected across restarts.
	ModuleDirsHash []byte
}

// HashModuleDirs computes the ModuleDirsHash for a module-directory
// list, order-sensitive since the order decides manifest-override
// precedence (§4.7: later directories win). Compared across restarts
// to detect a configuration change that alters which handler
// directories are in effect.
func HashModuleDirs(dirs []string) []byte {
	sum := sha256.Sum256([]byte(strings.Join(dirs, "\x00")))
	return sum[:]
}

// Read loads the cursor from path. Returns the zero Cursor and no
// error if the file does not exist yet (a fresh data directory).
func Read(path string) (Cursor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Cursor{}, nil
		}
		return Cursor{}, fmt.Errorf("cursor: reading %s: %w", path, err)
	}
	return decode(data)
}

// Write atomically persists c to path.
func Write(path string, c Cursor) error {
	data := encode(c)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cursor-*.tmp")
	if err != nil {
		return fmt.Errorf("cursor: creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cursor: writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cursor: syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cursor: closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("cursor: renaming %s to %s: %w", tmpName, path, err)
	}

	dirHandle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("cursor: opening %s for fsync: %w", dir, err)
	}
	defer dirHandle.Close()
	if err := dirHandle.Sync(); err != nil {
		return fmt.Errorf("cursor: syncing directory %s: %w", dir, err)
	}

	return nil
}

// encode serializes c as: notifier_id (u64 BE), schema_id (u64 BE),
// module_dirs_hash length (u32 BE) + bytes.
func encode(c Cursor) []byte {
	buf := make([]byte, 8+8+4+len(c.ModuleDirsHash))
	binary.BigEndian.PutUint64(buf[0:8], c.NotifierID)
	binary.BigEndian.PutUint64(buf[8:16], c.SchemaID)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(c.ModuleDirsHash)))
	copy(buf[20:], c.ModuleDirsHash)
	return buf
}

func decode(data []byte) (Cursor, error) {
	if len(data) < 20 {
		return Cursor{}, fmt.Errorf("cursor: file too short (%d bytes, want at least 20)", len(data))
	}
	notifierID := binary.BigEndian.Uint64(data[0:8])
	schemaID := binary.BigEndian.Uint64(data[8:16])
	hashLen := binary.BigEndian.Uint32(data[16:20])

	if int(hashLen) != len(data)-20 {
		return Cursor{}, fmt.Errorf("cursor: module_dirs_hash length %d does not match remaining %d bytes", hashLen, len(data)-20)
	}

	hash := make([]byte, hashLen)
	copy(hash, data[20:])

	return Cursor{NotifierID: notifierID, SchemaID: schemaID, ModuleDirsHash: hash}, nil
}
