// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package ldapfilter

import (
	"testing"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
)

func makeEntry(attrs ...entry.Attribute) entry.Entry {
	e := entry.New(dn.Canonicalize("cn=alice,dc=example,dc=com"))
	e.Attributes = attrs
	return e
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	f, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.Match(makeEntry()) {
		t.Error("empty filter should match everything")
	}
}

func TestPresenceFilter(t *testing.T) {
	f, err := Parse("(uid=*)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("alice")}})) {
		t.Error("expected presence match")
	}
	if f.Match(makeEntry(entry.Attribute{Name: "sn", Values: [][]byte{[]byte("Doe")}})) {
		t.Error("expected no match when attribute absent")
	}
}

func TestEqualityFilter(t *testing.T) {
	f, err := Parse("(uid=alice)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("alice")}})) {
		t.Error("expected equality match")
	}
	if f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("bob")}})) {
		t.Error("expected no match for different value")
	}
}

func TestSubstringFilter(t *testing.T) {
	f, err := Parse("(mail=*@example.com)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !f.Match(makeEntry(entry.Attribute{Name: "mail", Values: [][]byte{[]byte("alice@example.com")}})) {
		t.Error("expected suffix substring match")
	}
	if f.Match(makeEntry(entry.Attribute{Name: "mail", Values: [][]byte{[]byte("alice@other.com")}})) {
		t.Error("expected no match for different domain")
	}
}

func TestAndFilter(t *testing.T) {
	f, err := Parse("(&(uid=alice)(sn=Doe))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	full := makeEntry(
		entry.Attribute{Name: "uid", Values: [][]byte{[]byte("alice")}},
		entry.Attribute{Name: "sn", Values: [][]byte{[]byte("Doe")}},
	)
	if !f.Match(full) {
		t.Error("expected AND match when both terms satisfied")
	}

	partial := makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("alice")}})
	if f.Match(partial) {
		t.Error("expected AND to fail when one term unsatisfied")
	}
}

func TestOrFilter(t *testing.T) {
	f, err := Parse("(|(uid=alice)(uid=bob))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("bob")}})) {
		t.Error("expected OR match on second term")
	}
	if f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("carol")}})) {
		t.Error("expected no OR match")
	}
}

func TestNotFilter(t *testing.T) {
	f, err := Parse("(!(uid=alice))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("alice")}})) {
		t.Error("expected NOT to exclude matching entry")
	}
	if !f.Match(makeEntry(entry.Attribute{Name: "uid", Values: [][]byte{[]byte("bob")}})) {
		t.Error("expected NOT to include non-matching entry")
	}
}

func TestNestedFilter(t *testing.T) {
	f, err := Parse("(&(objectClass=person)(|(uid=alice)(uid=bob)))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	e := makeEntry(
		entry.Attribute{Name: "objectClass", Values: [][]byte{[]byte("person")}},
		entry.Attribute{Name: "uid", Values: [][]byte{[]byte("bob")}},
	)
	if !f.Match(e) {
		t.Error("expected nested AND/OR to match")
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"uid=alice",
		"(uid=alice",
		"(&)",
		"()",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) should fail", c)
		}
	}
}
