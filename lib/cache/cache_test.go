// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(Config{Path: filepath.Join(dir, "cache.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetMissing(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, dn.Canonicalize("cn=nobody,dc=example,dc=com"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found=false for missing DN")
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	d := dn.Canonicalize("cn=alice,dc=example,dc=com")
	e := entry.New(d)
	e.Attributes = []entry.Attribute{
		{Name: "sn", Values: [][]byte{[]byte("Doe")}},
	}
	e = e.WithModule("ldap-replication")

	if err := c.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := c.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if !got.DN.Equal(d) {
		t.Errorf("DN = %v, want %v", got.DN, d)
	}
	if attr, ok := got.Attribute("sn"); !ok || len(attr.Values) != 1 || string(attr.Values[0]) != "Doe" {
		t.Errorf("sn attribute = %+v", attr)
	}
	if !got.HasModule("ldap-replication") {
		t.Error("expected ldap-replication in module-present set")
	}
}

func TestPutOverwritesExisting(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	d := dn.Canonicalize("cn=bob,dc=example,dc=com")

	first := entry.New(d)
	first.Attributes = []entry.Attribute{{Name: "sn", Values: [][]byte{[]byte("Old")}}}
	if err := c.Put(ctx, first); err != nil {
		t.Fatalf("Put first: %v", err)
	}

	second := entry.New(d)
	second.Attributes = []entry.Attribute{{Name: "sn", Values: [][]byte{[]byte("New")}}}
	if err := c.Put(ctx, second); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	got, found, err := c.Get(ctx, d)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	attr, _ := got.Attribute("sn")
	if string(attr.Values[0]) != "New" {
		t.Errorf("sn = %q, want %q", attr.Values[0], "New")
	}
}

func TestDelete(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	d := dn.Canonicalize("cn=carol,dc=example,dc=com")

	if err := c.Put(ctx, entry.New(d)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Delete(ctx, d); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, found, err := c.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected found=false after delete")
	}
}

func TestDeleteNonexistentIsNotError(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Delete(ctx, dn.Canonicalize("cn=nobody,dc=example,dc=com")); err != nil {
		t.Errorf("Delete of nonexistent DN should not error, got %v", err)
	}
}

func TestGetPutDeleteRejectZeroDN(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	var zero dn.DN

	if _, _, err := c.Get(ctx, zero); err == nil {
		t.Error("expected error for zero-value DN on Get")
	}
	if err := c.Put(ctx, entry.New(zero)); err == nil {
		t.Error("expected error for zero-value DN on Put")
	}
	if err := c.Delete(ctx, zero); err == nil {
		t.Error("expected error for zero-value DN on Delete")
	}
}

func TestSnapshotIteratesInDNOrder(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	dns := []string{
		"cn=carol,dc=example,dc=com",
		"cn=alice,dc=example,dc=com",
		"cn=bob,dc=example,dc=com",
	}
	for _, raw := range dns {
		if err := c.Put(ctx, entry.New(dn.Canonicalize(raw))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var seen []string
	err := c.Snapshot(ctx, func(e entry.Entry) error {
		seen = append(seen, e.DN.String())
		return nil
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	want := []string{
		"cn=alice,dc=example,dc=com",
		"cn=bob,dc=example,dc=com",
		"cn=carol,dc=example,dc=com",
	}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestSnapshotPropagatesCallbackError(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, entry.New(dn.Canonicalize("cn=alice,dc=example,dc=com"))); err != nil {
		t.Fatalf("Put: %v", err)
	}

	wantErr := errStop
	err := c.Snapshot(ctx, func(e entry.Entry) error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("Snapshot err = %v, want %v", err, wantErr)
	}
}

func TestMetaRoundtrip(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	type cursor struct {
		NotifierID uint64
		SchemaID   uint64
	}

	if err := c.SetMeta(ctx, "cursor", cursor{NotifierID: 42, SchemaID: 7}); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	var got cursor
	found, err := c.GetMeta(ctx, "cursor", &got)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if !found {
		t.Fatal("expected found=true")
	}
	if got.NotifierID != 42 || got.SchemaID != 7 {
		t.Errorf("got = %+v", got)
	}
}

func TestMetaMissingKey(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	var got string
	found, err := c.GetMeta(ctx, "absent", &got)
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if found {
		t.Error("expected found=false for missing key")
	}
}

func TestMetaOverwrite(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	if err := c.SetMeta(ctx, "k", "first"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := c.SetMeta(ctx, "k", "second"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	var got string
	if _, err := c.GetMeta(ctx, "k", &got); err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if got != "second" {
		t.Errorf("got = %q, want %q", got, "second")
	}
}

type stopError struct{}

func (stopError) Error() string { return "stop" }

var errStop error = stopError{}
