// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package directoryclient

import (
	"errors"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/retry"
	"github.com/univention/directory-listener/lib/txlog"
)

func TestChangeLogCommandMapsReqType(t *testing.T) {
	cases := map[string]txlog.Command{
		"add":     txlog.Add,
		"modify":  txlog.Modify,
		"modrdn":  txlog.ModRDN,
		"delete":  txlog.Delete,
		"unknown": txlog.Modify,
	}
	for reqType, want := range cases {
		if got := changeLogCommand(reqType); got != want {
			t.Errorf("changeLogCommand(%q) = %q, want %q", reqType, got, want)
		}
	}
}

func TestConvertEntry(t *testing.T) {
	d := dn.Canonicalize("cn=alice,dc=example,dc=com")
	src := &goldap.Entry{
		DN: "cn=alice,dc=example,dc=com",
		Attributes: []*goldap.EntryAttribute{
			{Name: "sn", ByteValues: [][]byte{[]byte("Doe")}},
			{Name: "objectClass", ByteValues: [][]byte{[]byte("person"), []byte("inetOrgPerson")}},
		},
	}

	e := convertEntry(d, src)

	if !e.DN.Equal(d) {
		t.Errorf("DN = %v, want %v", e.DN, d)
	}
	attr, ok := e.Attribute("sn")
	if !ok || len(attr.Values) != 1 || string(attr.Values[0]) != "Doe" {
		t.Errorf("sn attribute = %+v", attr)
	}
	oc, ok := e.Attribute("objectClass")
	if !ok || len(oc.Values) != 2 {
		t.Errorf("objectClass attribute = %+v", oc)
	}
}

func TestClassifyNilIsOK(t *testing.T) {
	if classify(nil) != retry.OK {
		t.Error("expected OK for nil error")
	}
}

func TestClassifyNonLDAPErrorIsTransient(t *testing.T) {
	if classify(errors.New("dial tcp: connection refused")) != retry.Transient {
		t.Error("expected Transient for a raw network error")
	}
}

func TestClassifyNoSuchObjectIsFatal(t *testing.T) {
	err := &goldap.Error{ResultCode: goldap.LDAPResultNoSuchObject, Err: errors.New("no such object")}
	if classify(err) != retry.Fatal {
		t.Error("expected Fatal for NO_SUCH_OBJECT")
	}
}

func TestClassifyServerDownIsTransient(t *testing.T) {
	err := &goldap.Error{ResultCode: goldap.LDAPResultServerDown, Err: errors.New("server down")}
	if classify(err) != retry.Transient {
		t.Error("expected Transient for LDAPResultServerDown")
	}
}
