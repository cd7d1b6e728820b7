// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/univention/directory-listener/lib/cursor"
)

type fakeDispatcher struct {
	cur cursor.Cursor
}

func (f *fakeDispatcher) Run(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (f *fakeDispatcher) Cursor() cursor.Cursor          { return f.cur }

type fakeHandlers struct {
	names       []string
	ready       map[string]bool
	reloadCalls int
	reloadErr   error
	lastDirs    []string
	lastSuffix  string
}

func (f *fakeHandlers) Names() []string    { return f.names }
func (f *fakeHandlers) Ready(n string) bool { return f.ready[n] }
func (f *fakeHandlers) Reload(dirs []string, suffix string) error {
	f.reloadCalls++
	f.lastDirs = dirs
	f.lastSuffix = suffix
	return f.reloadErr
}

type fakeConn struct{ up bool }

func (f fakeConn) Connected() bool { return f.up }

func newTestSupervisor(t *testing.T, dataDir string) (*Supervisor, *fakeDispatcher, *fakeHandlers) {
	t.Helper()
	disp := &fakeDispatcher{cur: cursor.Cursor{NotifierID: 42, SchemaID: 1}}
	handlers := &fakeHandlers{names: []string{"replication", "home-dir"}, ready: map[string]bool{"replication": true}}

	s, err := New(Config{
		Dispatcher:     disp,
		Handlers:       handlers,
		Notifier:       fakeConn{up: true},
		Directory:      fakeConn{up: false},
		DataDir:        dataDir,
		ModuleDirs:     []string{"/etc/listener/handlers.d"},
		ManifestSuffix: ".yaml",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, disp, handlers
}

func TestPreTransactionCheckPassesWithNoSentinel(t *testing.T) {
	s, _, _ := newTestSupervisor(t, t.TempDir())
	if err := s.PreTransactionCheck(context.Background()); err != nil {
		t.Fatalf("PreTransactionCheck: %v", err)
	}
}

func TestPreTransactionCheckHaltsOnQuarantineSentinel(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, QuarantineSentinel), nil, 0o644); err != nil {
		t.Fatalf("writing sentinel: %v", err)
	}
	s, _, _ := newTestSupervisor(t, dataDir)

	if err := s.PreTransactionCheck(context.Background()); err == nil {
		t.Fatal("expected quarantine error, got nil")
	}
}

func TestClearQuarantineRemovesSentinel(t *testing.T) {
	dataDir := t.TempDir()
	sentinel := filepath.Join(dataDir, QuarantineSentinel)
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		t.Fatalf("writing sentinel: %v", err)
	}
	s, _, _ := newTestSupervisor(t, dataDir)

	if err := s.ClearQuarantine(context.Background()); err != nil {
		t.Fatalf("ClearQuarantine: %v", err)
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Error("expected sentinel to be removed")
	}

	// Clearing again is a no-op, not an error.
	if err := s.ClearQuarantine(context.Background()); err != nil {
		t.Fatalf("ClearQuarantine (second call): %v", err)
	}
}

func TestStatusReportsCursorConnectivityAndHandlers(t *testing.T) {
	s, _, _ := newTestSupervisor(t, t.TempDir())

	report, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.NotifierID != 42 || report.SchemaID != 1 {
		t.Errorf("cursor = %+v, want NotifierID=42 SchemaID=1", report)
	}
	if !report.NotifierUp {
		t.Error("expected NotifierUp=true")
	}
	if report.DirectoryUp {
		t.Error("expected DirectoryUp=false")
	}
	if report.HandlerStates["replication"] != "ready" {
		t.Errorf("replication state = %q, want ready", report.HandlerStates["replication"])
	}
	if report.HandlerStates["home-dir"] != "not_ready" {
		t.Errorf("home-dir state = %q, want not_ready", report.HandlerStates["home-dir"])
	}
}

func TestReloadHandlersDelegatesToRuntime(t *testing.T) {
	s, _, handlers := newTestSupervisor(t, t.TempDir())

	if err := s.ReloadHandlers(context.Background()); err != nil {
		t.Fatalf("ReloadHandlers: %v", err)
	}
	if handlers.reloadCalls != 1 {
		t.Errorf("reloadCalls = %d, want 1", handlers.reloadCalls)
	}
	if handlers.lastSuffix != ".yaml" {
		t.Errorf("lastSuffix = %q, want .yaml", handlers.lastSuffix)
	}
}

func TestPreTransactionCheckAppliesPendingSIGHUPReload(t *testing.T) {
	s, _, handlers := newTestSupervisor(t, t.TempDir())

	s.mu.Lock()
	s.reloadPending = true
	s.mu.Unlock()

	if err := s.PreTransactionCheck(context.Background()); err != nil {
		t.Fatalf("PreTransactionCheck: %v", err)
	}
	if handlers.reloadCalls != 1 {
		t.Errorf("reloadCalls = %d, want 1 after pending reload consumed", handlers.reloadCalls)
	}

	// The flag is consumed, not sticky.
	if err := s.PreTransactionCheck(context.Background()); err != nil {
		t.Fatalf("PreTransactionCheck: %v", err)
	}
	if handlers.reloadCalls != 1 {
		t.Errorf("reloadCalls = %d, want still 1 (flag should not re-fire)", handlers.reloadCalls)
	}
}

func TestPreTransactionCheckFreeSpaceBreach(t *testing.T) {
	dataDir := t.TempDir()
	s, _, _ := newTestSupervisor(t, dataDir)
	s.cfg.MinFreeMiB = 1 << 40 // absurdly high threshold, guaranteed breach
	s.cfg.WatchedPaths = []string{dataDir}

	if err := s.PreTransactionCheck(context.Background()); err == nil {
		t.Fatal("expected free-space watchdog error, got nil")
	}
}
