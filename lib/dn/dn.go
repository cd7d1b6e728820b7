// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package dn implements distinguished name canonicalization.
//
// A DN is a case-insensitive path-like identifier for a directory
// entry, treated as the primary key throughout the listener. Two DNs
// compare equal under directory-defined normalization: trim, collapse
// whitespace around separators, lower-case ASCII. Comparison is
// canonicalized once on ingest — every other package that keys state
// by DN (lib/cache, lib/entry, lib/dispatch) stores and compares the
// canonical form, never the raw string a peer supplied.
package dn

import "strings"

// DN is a canonicalized distinguished name. The zero value is not a
// valid DN; always construct one with [Canonicalize].
type DN struct {
	canonical string
	raw       string
}

// Canonicalize normalizes raw into a [DN]: trims leading/trailing
// whitespace, collapses whitespace around "," and "=" separators, and
// lower-cases ASCII letters. The original string is retained for
// logging and display via [DN.Raw].
func Canonicalize(raw string) DN {
	trimmed := strings.TrimSpace(raw)
	canonical := collapseSeparatorSpace(trimmed)
	canonical = strings.ToLower(canonical)
	return DN{canonical: canonical, raw: raw}
}

// collapseSeparatorSpace removes whitespace immediately adjacent to
// "," and "=" separators without touching whitespace embedded inside
// an RDN value (e.g. "cn=Alice Doe").
func collapseSeparatorSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == ',' || r == '=' {
			// Trim trailing whitespace already written.
			trimmed := strings.TrimRight(b.String(), " \t")
			b.Reset()
			b.WriteString(trimmed)
			b.WriteRune(r)
			// Skip whitespace following the separator.
			for i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\t') {
				i++
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// String returns the canonical form, suitable for use as a map key or
// for equality comparison.
func (d DN) String() string {
	return d.canonical
}

// Raw returns the original, uncanonicalized string this DN was built
// from. Use this only for display and logging; never for comparison.
func (d DN) Raw() string {
	return d.raw
}

// Equal reports whether two DNs are equal under canonicalization.
func (d DN) Equal(other DN) bool {
	return d.canonical == other.canonical
}

// IsZero reports whether d is the zero value (was never canonicalized).
func (d DN) IsZero() bool {
	return d.canonical == "" && d.raw == ""
}

// MarshalText implements encoding.TextMarshaler, so a DN serializes as
// its canonical string form in CBOR and YAML.
func (d DN) MarshalText() ([]byte, error) {
	return []byte(d.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The decoded text
// is treated as already canonical (it round-tripped through
// [DN.MarshalText]), so it is stored verbatim rather than re-run
// through [Canonicalize] — doing so would be harmless but wasteful,
// since canonical form is idempotent under canonicalization anyway.
func (d *DN) UnmarshalText(text []byte) error {
	s := string(text)
	d.canonical = s
	d.raw = s
	return nil
}
