// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the listener's standard CBOR encoding
// configuration.
//
// The listener uses CBOR for every internal, binary-safe protocol: the
// control socket's request/response envelope, the entry cache's
// arbitrary metadata key/value slots, and the scheduled snapshot
// export's intermediate representation. The spec-mandated on-disk
// formats that have an exact wire layout (cache entry records, the
// master cursor file, per-handler state files) are NOT CBOR — those
// use encoding/binary directly because their byte layout is dictated
// by the format, not a free choice (see lib/cache and lib/cursor).
//
// This package provides the shared CBOR encoding and decoding modes so
// that every package using CBOR encodes identically without
// duplicating configuration. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical data always
// produces identical bytes.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR. It will
//     never be marshaled to JSON or interact with CLI tooling.
//     Examples: control socket request/response envelopes, cache
//     metadata values, snapshot export records.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Reserved for types that also
//     need to round-trip through the YAML config loader or CLI
//     output.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
