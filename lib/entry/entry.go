// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package entry defines the listener's canonical in-process
// representation of a directory entry, plus the diff engine that
// computes changed attributes between two entries.
//
// An Entry is a DN plus a set of Attributes plus the module-present
// set: the names of handlers that have successfully reconciled the
// entry's current state. Within an Entry no two attributes share a
// name, and within an Attribute no two values are duplicates after
// normalization.
//
// This is the one canonical entry representation exposed to handlers
// — there is no separate wire-format struct that handlers see and a
// separate storage struct that the cache sees. Avoiding a double
// conversion keeps Diff, the cache codec, and the handler contract all
// working off the same type.
package entry

import (
	"bytes"
	"sort"

	"github.com/univention/directory-listener/lib/dn"
)

// Attribute is a name plus an ordered list of byte-string values.
// Values are opaque octets; no UTF-8 assumption is made. Insertion
// order is preserved but not semantically meaningful.
type Attribute struct {
	Name   string
	Values [][]byte
}

// Entry is a DN plus its attributes plus the module-present set.
type Entry struct {
	DN         dn.DN
	Attributes []Attribute
	// ModulePresent holds the names of handlers that have successfully
	// processed this entry's current state. Order is not significant;
	// callers that need a stable order should sort it.
	ModulePresent map[string]struct{}
}

// New returns an empty Entry for the given DN with an empty
// module-present set.
func New(d dn.DN) Entry {
	return Entry{DN: d, ModulePresent: make(map[string]struct{})}
}

// Attribute returns the named attribute and true if present. Lookup
// is case-insensitive ASCII, matching the attribute name's declared
// comparison rule.
func (e Entry) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if equalFoldASCII(a.Name, name) {
			return a, true
		}
	}
	return Attribute{}, false
}

// HasModule reports whether name is present in the entry's
// module-present set.
func (e Entry) HasModule(name string) bool {
	if e.ModulePresent == nil {
		return false
	}
	_, ok := e.ModulePresent[name]
	return ok
}

// WithModule returns a copy of e with name added to the module-present
// set. The receiver is not mutated.
func (e Entry) WithModule(name string) Entry {
	clone := e.clone()
	clone.ModulePresent[name] = struct{}{}
	return clone
}

// WithoutModule returns a copy of e with name removed from the
// module-present set. The receiver is not mutated.
func (e Entry) WithoutModule(name string) Entry {
	clone := e.clone()
	delete(clone.ModulePresent, name)
	return clone
}

// ModuleNames returns the module-present set as a sorted slice, for
// deterministic serialization and logging.
func (e Entry) ModuleNames() []string {
	names := make([]string, 0, len(e.ModulePresent))
	for name := range e.ModulePresent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e Entry) clone() Entry {
	attrs := make([]Attribute, len(e.Attributes))
	copy(attrs, e.Attributes)

	modules := make(map[string]struct{}, len(e.ModulePresent))
	for name := range e.ModulePresent {
		modules[name] = struct{}{}
	}

	return Entry{DN: e.DN, Attributes: attrs, ModulePresent: modules}
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Diff computes the sorted set of attribute names that changed
// between old and new. Either may be the zero Entry (absent). A name
// is "changed" iff the multiset of normalized values differs; an
// absent/present transition always counts as a change. The default
// normalization is octet-exact comparison — no trimming, no case
// folding of values.
//
// Diff is pure and deterministic: diff(E, E) always returns an empty
// set.
func Diff(old, new Entry) []string {
	oldAttrs := attrIndex(old)
	newAttrs := attrIndex(new)

	changed := make(map[string]struct{})
	for name, oldValues := range oldAttrs {
		newValues, ok := newAttrs[name]
		if !ok || !valuesEqual(oldValues, newValues) {
			changed[name] = struct{}{}
		}
	}
	for name, newValues := range newAttrs {
		oldValues, ok := oldAttrs[name]
		if !ok || !valuesEqual(oldValues, newValues) {
			changed[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// attrIndex builds a lower-cased-name -> sorted-values index for
// multiset comparison. The map key is the lower-cased attribute name
// so lookups in Diff are case-insensitive; the name recorded in the
// result set uses the lower-cased form consistently, which is fine
// since Diff's output is used only for attribute-set membership
// checks against handler declarations, themselves compared
// case-insensitively.
func attrIndex(e Entry) map[string][][]byte {
	index := make(map[string][][]byte, len(e.Attributes))
	for _, a := range e.Attributes {
		key := lowerASCII(a.Name)
		values := make([][]byte, len(a.Values))
		copy(values, a.Values)
		sort.Slice(values, func(i, j int) bool {
			return bytes.Compare(values[i], values[j]) < 0
		})
		index[key] = values
	}
	return index
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func valuesEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
