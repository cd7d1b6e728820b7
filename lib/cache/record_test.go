// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"testing"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
)

func TestEncodeDecodeRoundtripEmpty(t *testing.T) {
	e := entry.New(dn.Canonicalize("cn=empty,dc=example,dc=com"))

	record := encodeRecord(e)
	attrs, modules, err := decodeRecord(record)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if len(attrs) != 0 {
		t.Errorf("attrs = %v, want empty", attrs)
	}
	if len(modules) != 0 {
		t.Errorf("modules = %v, want empty", modules)
	}
}

func TestEncodeDecodeRoundtripMultiValue(t *testing.T) {
	e := entry.New(dn.Canonicalize("cn=alice,dc=example,dc=com"))
	e.Attributes = []entry.Attribute{
		{Name: "objectClass", Values: [][]byte{[]byte("person"), []byte("inetOrgPerson")}},
		{Name: "mail", Values: [][]byte{[]byte("alice@example.com")}},
	}
	e = e.WithModule("ldap-replication").WithModule("kerberos")

	record := encodeRecord(e)
	attrs, modules, err := decodeRecord(record)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}

	if len(attrs) != 2 {
		t.Fatalf("attrs = %v, want 2 entries", attrs)
	}
	if attrs[0].Name != "objectClass" || len(attrs[0].Values) != 2 {
		t.Errorf("attrs[0] = %+v, want objectClass with 2 values", attrs[0])
	}
	if attrs[1].Name != "mail" || len(attrs[1].Values) != 1 {
		t.Errorf("attrs[1] = %+v, want mail with 1 value", attrs[1])
	}

	if _, ok := modules["ldap-replication"]; !ok {
		t.Error("expected ldap-replication in module set")
	}
	if _, ok := modules["kerberos"]; !ok {
		t.Error("expected kerberos in module set")
	}
	if len(modules) != 2 {
		t.Errorf("modules = %v, want exactly 2", modules)
	}
}

func TestEncodeDecodeRoundtripByteExact(t *testing.T) {
	e := entry.New(dn.Canonicalize("cn=bob,dc=example,dc=com"))
	e.Attributes = []entry.Attribute{
		{Name: "sn", Values: [][]byte{[]byte("Doe")}},
	}
	e = e.WithModule("replication")

	first := encodeRecord(e)
	attrs, modules, err := decodeRecord(first)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}

	roundtripped := entry.New(e.DN)
	roundtripped.Attributes = attrs
	roundtripped.ModulePresent = modules
	second := encodeRecord(roundtripped)

	if !bytes.Equal(first, second) {
		t.Errorf("round-trip encoding not byte-equal:\nfirst:  %x\nsecond: %x", first, second)
	}
}

func TestEncodeDecodeEmptyValue(t *testing.T) {
	e := entry.New(dn.Canonicalize("cn=carol,dc=example,dc=com"))
	e.Attributes = []entry.Attribute{
		{Name: "description", Values: [][]byte{[]byte("")}},
	}

	attrs, _, err := decodeRecord(encodeRecord(e))
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if len(attrs) != 1 || len(attrs[0].Values) != 1 || len(attrs[0].Values[0]) != 0 {
		t.Errorf("attrs = %+v, want single empty value preserved", attrs)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	_, _, err := decodeRecord([]byte{0x02, 0, 0, 0, 0})
	if err == nil {
		t.Error("expected error for unsupported version byte")
	}
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	_, _, err := decodeRecord(nil)
	if err == nil {
		t.Error("expected error for empty input")
	}
}

func TestDecodeRejectsTruncatedAttributeCount(t *testing.T) {
	_, _, err := decodeRecord([]byte{recordVersion1, 0, 0})
	if err == nil {
		t.Error("expected error for truncated attribute count")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	e := entry.New(dn.Canonicalize("cn=dave,dc=example,dc=com"))
	record := append(encodeRecord(e), 0xFF)

	_, _, err := decodeRecord(record)
	if err == nil {
		t.Error("expected error for trailing bytes")
	}
}

func TestDecodeRejectsLengthPastEnd(t *testing.T) {
	// version byte, attribute_count=1, name length=0xFFFFFFFF (huge)
	data := []byte{recordVersion1}
	data = appendUint32(data, 1)
	data = appendUint32(data, 0xFFFFFFFF)

	_, _, err := decodeRecord(data)
	if err == nil {
		t.Error("expected error for length-prefixed field running past end")
	}
}
