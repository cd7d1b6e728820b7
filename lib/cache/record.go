// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/univention/directory-listener/lib/entry"
)

// recordVersion1 is the only record format version this
// implementation writes or reads. A future format upgrade would add
// recordVersion2 and a migration path that rewrites the cache offline
// — the format is versioned by the leading byte specifically to make
// that possible without breaking readers of the old format mid-flight.
const recordVersion1 = 1

// encodeRecord serializes e's attributes and module-present set into
// the spec-mandated binary record format: a version byte, then
// length-prefixed (attribute_count, [attribute_name_len,
// attribute_name, value_count, [value_len, value]*]*) tuples, then a
// length-prefixed sorted list of module-present names. All integers
// are little-endian fixed-width uint32.
//
// This format is not negotiable by a general-purpose codec: its byte
// layout is the contract downstream tooling and crash recovery depend
// on, so it is written directly rather than through lib/codec's CBOR
// encoder.
func encodeRecord(e entry.Entry) []byte {
	var buf []byte
	buf = append(buf, recordVersion1)

	buf = appendUint32(buf, uint32(len(e.Attributes)))
	for _, attr := range e.Attributes {
		buf = appendLengthPrefixed(buf, []byte(attr.Name))
		buf = appendUint32(buf, uint32(len(attr.Values)))
		for _, v := range attr.Values {
			buf = appendLengthPrefixed(buf, v)
		}
	}

	modules := make([]string, 0, len(e.ModulePresent))
	for name := range e.ModulePresent {
		modules = append(modules, name)
	}
	sort.Strings(modules)

	buf = appendUint32(buf, uint32(len(modules)))
	for _, name := range modules {
		buf = appendLengthPrefixed(buf, []byte(name))
	}

	return buf
}

// decodeRecord parses the binary format written by encodeRecord. The
// DN is not stored in the record (it is the SQL row key) and must be
// supplied by the caller.
func decodeRecord(data []byte) (attributes []entry.Attribute, modules map[string]struct{}, err error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("cache: record too short to contain a version byte")
	}
	version := data[0]
	if version != recordVersion1 {
		return nil, nil, fmt.Errorf("cache: unsupported record version %d", version)
	}
	r := &reader{data: data, pos: 1}

	attrCount, err := r.readUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("cache: reading attribute count: %w", err)
	}

	attrs := make([]entry.Attribute, 0, attrCount)
	for i := uint32(0); i < attrCount; i++ {
		name, err := r.readLengthPrefixed()
		if err != nil {
			return nil, nil, fmt.Errorf("cache: reading attribute %d name: %w", i, err)
		}
		valueCount, err := r.readUint32()
		if err != nil {
			return nil, nil, fmt.Errorf("cache: reading attribute %d value count: %w", i, err)
		}
		values := make([][]byte, 0, valueCount)
		for j := uint32(0); j < valueCount; j++ {
			v, err := r.readLengthPrefixed()
			if err != nil {
				return nil, nil, fmt.Errorf("cache: reading attribute %d value %d: %w", i, j, err)
			}
			values = append(values, v)
		}
		attrs = append(attrs, entry.Attribute{Name: string(name), Values: values})
	}

	moduleCount, err := r.readUint32()
	if err != nil {
		return nil, nil, fmt.Errorf("cache: reading module count: %w", err)
	}
	modules = make(map[string]struct{}, moduleCount)
	for i := uint32(0); i < moduleCount; i++ {
		name, err := r.readLengthPrefixed()
		if err != nil {
			return nil, nil, fmt.Errorf("cache: reading module %d name: %w", i, err)
		}
		modules[string(name)] = struct{}{}
	}

	if !r.atEnd() {
		return nil, nil, fmt.Errorf("cache: %d trailing bytes after record", len(r.data)-r.pos)
	}

	return attrs, modules, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLengthPrefixed(buf []byte, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) atEnd() bool { return r.pos == len(r.data) }

func (r *reader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of record")
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readLengthPrefixed() ([]byte, error) {
	length, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(length) > len(r.data) {
		return nil, fmt.Errorf("length-prefixed field of %d bytes runs past end of record", length)
	}
	data := r.data[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return data, nil
}
