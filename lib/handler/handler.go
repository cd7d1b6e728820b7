// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler is the pluggable extension layer that hosts
// transformation modules: statically linked Go types that satisfy the
// Module interface, registered at process start the way database/sql
// drivers register themselves via a package-level Register call in an
// init function.
//
// A handler's manifest fields (name, priority, filter, attributes,
// modrdn, handle_every_delete) are declared by its Manifest method
// rather than read from a file on disk, but the ordering, gating, and
// lifecycle contract are otherwise unchanged: replication always runs
// first, remaining handlers run in ascending priority with ties
// broken by registration order, and each handler's module-present
// membership gates whether it is invoked for a given change.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
	"github.com/univention/directory-listener/lib/ldapfilter"
	"github.com/univention/directory-listener/lib/txlog"
)

// ReplicationHandlerName is the sentinel handler name that always runs
// first, including on deletes, regardless of filter or attribute
// gating.
const ReplicationHandlerName = "replication"

// Manifest describes a handler's static declaration.
type Manifest struct {
	// Name must be unique across all registered handlers and must not be
	// empty; NewRuntime rejects a module whose manifest has no name.
	Name string
	// Description is required in the sense that an empty value is
	// surfaced in handler listings as "(no description)", not rejected.
	Description string
	// Priority orders handlers ascending; ties break by registration
	// order. Ignored for the handler named ReplicationHandlerName.
	Priority float64
	// Filter is an LDAP filter string; empty means match-all.
	Filter string
	// Attributes lists the attribute names this handler cares about.
	// An empty list means "any attribute change is relevant."
	Attributes []string
	// ModRDN, if true, causes Handle to additionally receive the
	// transaction's command as its fourth argument's meaning: MODRDN
	// transactions are otherwise dispatched as MODIFY to handlers that
	// do not opt in.
	ModRDN bool
	// HandleEveryDelete, if true, invokes this handler on every delete
	// regardless of module-present membership.
	HandleEveryDelete bool
}

// Module is the contract every handler implementation satisfies. All
// methods except Handle are optional in the sense that a no-op
// implementation (embedding NoopHooks) is sufficient.
type Module interface {
	Manifest() Manifest
	Initialize(ctx context.Context) error
	Prerun(ctx context.Context) error
	Handle(ctx context.Context, d dn.DN, newEntry, oldEntry entry.Entry, command txlog.Command) error
	Postrun(ctx context.Context) error
	Clean(ctx context.Context) error
	SetData(ctx context.Context, key string, value any) error
}

// NoopHooks implements every Module method except Handle as a no-op.
// Embed it in a handler implementation that only needs Handle.
type NoopHooks struct{}

func (NoopHooks) Initialize(ctx context.Context) error                 { return nil }
func (NoopHooks) Prerun(ctx context.Context) error                     { return nil }
func (NoopHooks) Postrun(ctx context.Context) error                    { return nil }
func (NoopHooks) Clean(ctx context.Context) error                      { return nil }
func (NoopHooks) SetData(ctx context.Context, key string, v any) error { return nil }

var (
	registryMu sync.Mutex
	registry   []Module
)

// Register adds m to the global handler registry in the order Register
// is called, mirroring database/sql.Register. Intended to be called
// from a handler package's init function.
func Register(m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, m)
}

// Registered returns the globally registered modules in registration
// order.
func Registered() []Module {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Module, len(registry))
	copy(out, registry)
	return out
}

// handlerState is a loaded handler's runtime bookkeeping.
type handlerState struct {
	module       Module
	manifest     Manifest
	filter       ldapfilter.Filter
	attributes   map[string]struct{}
	loadOrder    int
	prerunCalled bool
	ready        bool
}

// Runtime holds the loaded, ordered set of handlers and drives their
// lifecycle and per-transaction dispatch.
type Runtime struct {
	logger *slog.Logger
	states []*handlerState

	// dropPrivileges, if set, is called after every hook invocation
	// returns (success or failure), matching the privilege-drop
	// decorator described for a runtime that started elevated.
	dropPrivileges func() error

	store *StateStore
}

// Config holds the parameters for building a Runtime.
type Config struct {
	Modules        []Module
	Logger         *slog.Logger
	DropPrivileges func() error
	// StateStore persists each handler's READY bit across restarts. If
	// nil, an in-memory store is used (state does not survive restart).
	StateStore *StateStore
}

// NewRuntime loads modules in registration order, parses their
// manifests, and restores each handler's persisted state.
func NewRuntime(cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := cfg.StateStore
	if store == nil {
		store = NewMemoryStateStore()
	}

	rt := &Runtime{logger: logger, dropPrivileges: cfg.DropPrivileges, store: store}

	seen := make(map[string]bool)
	for i, m := range cfg.Modules {
		manifest := m.Manifest()
		if manifest.Name == "" {
			return nil, fmt.Errorf("handler: module at registration index %d has an empty name", i)
		}
		if seen[manifest.Name] {
			return nil, fmt.Errorf("handler: duplicate handler name %q", manifest.Name)
		}
		seen[manifest.Name] = true

		filter, err := ldapfilter.Parse(manifest.Filter)
		if err != nil {
			logger.Error("handler filter failed to parse, module not loaded", "handler", manifest.Name, "error", err)
			continue
		}

		attrs := make(map[string]struct{}, len(manifest.Attributes))
		for _, a := range manifest.Attributes {
			attrs[a] = struct{}{}
		}

		state, err := store.Load(manifest.Name)
		if err != nil {
			logger.Error("handler state failed to load, starting fresh", "handler", manifest.Name, "error", err)
		}

		rt.states = append(rt.states, &handlerState{
			module:     m,
			manifest:   manifest,
			filter:     filter,
			attributes: attrs,
			loadOrder:  i,
			ready:      state.Ready,
		})
	}

	sort.SliceStable(rt.states, func(i, j int) bool {
		a, b := rt.states[i], rt.states[j]
		aRepl := a.manifest.Name == ReplicationHandlerName
		bRepl := b.manifest.Name == ReplicationHandlerName
		if aRepl != bRepl {
			return aRepl
		}
		if a.manifest.Priority != b.manifest.Priority {
			return a.manifest.Priority < b.manifest.Priority
		}
		return a.loadOrder < b.loadOrder
	})

	return rt, nil
}

// Initialize calls Initialize on every loaded handler, once per
// process lifetime. Initialize errors for individual handlers are
// logged, leave that handler's READY bit unchanged, and do not prevent
// the rest from initializing.
func (rt *Runtime) Initialize(ctx context.Context) error {
	for _, s := range rt.states {
		if err := rt.invoke(ctx, s, func(ctx context.Context) error {
			return s.module.Initialize(ctx)
		}); err != nil {
			rt.logger.Error("handler initialize failed", "handler", s.manifest.Name, "error", err)
			continue
		}
		s.ready = true
		if err := rt.store.Save(s.manifest.Name, State{Ready: true}); err != nil {
			rt.logger.Error("handler state save failed", "handler", s.manifest.Name, "error", err)
		}
	}
	return nil
}

// Clean calls Clean on every loaded handler at shutdown, in the same
// order they run during dispatch.
func (rt *Runtime) Clean(ctx context.Context) {
	for _, s := range rt.states {
		if err := rt.invoke(ctx, s, func(ctx context.Context) error {
			return s.module.Clean(ctx)
		}); err != nil {
			rt.logger.Error("handler clean failed", "handler", s.manifest.Name, "error", err)
		}
	}
}

// SetData broadcasts a key/value pair to every loaded handler.
func (rt *Runtime) SetData(ctx context.Context, key string, value any) {
	for _, s := range rt.states {
		if err := rt.invoke(ctx, s, func(ctx context.Context) error {
			return s.module.SetData(ctx, key, value)
		}); err != nil {
			rt.logger.Error("handler setdata failed", "handler", s.manifest.Name, "error", err)
		}
	}
}

// Postrun calls Postrun on every loaded handler and resets the
// prerun-pending flag, matching the idle-timeout convention: the next
// dispatched change calls Prerun again before Handle.
func (rt *Runtime) Postrun(ctx context.Context) {
	for _, s := range rt.states {
		if err := rt.invoke(ctx, s, func(ctx context.Context) error {
			return s.module.Postrun(ctx)
		}); err != nil {
			rt.logger.Error("handler postrun failed", "handler", s.manifest.Name, "error", err)
		}
		s.prerunCalled = false
	}
}

// invoke calls fn and then, if configured, drops privileges
// unconditionally — regardless of fn's outcome, matching the
// "drop privileges after every hook invocation returns" contract.
func (rt *Runtime) invoke(ctx context.Context, s *handlerState, fn func(context.Context) error) error {
	err := fn(ctx)
	if rt.dropPrivileges != nil {
		if dropErr := rt.dropPrivileges(); dropErr != nil {
			rt.logger.Error("privilege drop failed after handler hook", "handler", s.manifest.Name, "error", dropErr)
		}
	}
	return err
}

func (rt *Runtime) ensurePrerun(ctx context.Context, s *handlerState) error {
	if s.prerunCalled {
		return nil
	}
	err := rt.invoke(ctx, s, func(ctx context.Context) error {
		return s.module.Prerun(ctx)
	})
	if err == nil {
		s.prerunCalled = true
	}
	return err
}

// Dispatch runs every loaded handler against one transaction in
// ordering order, applying the non-delete or delete gating rule per
// handler, and returns the updated module-present set for newEntry.
// The starting point is a copy of newEntry's module-present set (an
// empty set for a delete); Dispatch returns a fresh Entry and does not
// mutate its arguments.
//
// changedAttrs is the sorted output of entry.Diff(oldEntry, newEntry);
// for a delete, pass nil (it is unused on that path).
func (rt *Runtime) Dispatch(ctx context.Context, d dn.DN, newEntry, oldEntry entry.Entry, changedAttrs []string, command txlog.Command, isDelete bool) entry.Entry {
	result := newEntry
	result.ModulePresent = make(map[string]struct{}, len(newEntry.ModulePresent))
	if !isDelete {
		for name := range newEntry.ModulePresent {
			result.ModulePresent[name] = struct{}{}
		}
	}

	changed := make(map[string]struct{}, len(changedAttrs))
	for _, a := range changedAttrs {
		changed[a] = struct{}{}
	}

	for _, s := range rt.states {
		name := s.manifest.Name

		if isDelete {
			rt.dispatchDelete(ctx, s, d, oldEntry, command, &result)
			continue
		}

		if name != ReplicationHandlerName {
			wasPresent := oldEntry.HasModule(name)
			if wasPresent && len(s.attributes) > 0 && !intersects(changed, s.attributes) {
				result.ModulePresent[name] = struct{}{}
				continue
			}

			if !s.filter.Match(newEntry) {
				delete(result.ModulePresent, name)
				continue
			}
		}

		if err := rt.ensurePrerun(ctx, s); err != nil {
			rt.logger.Error("handler prerun failed, skipping handle", "handler", name, "error", err)
			continue
		}

		handleCommand := command
		if command == txlog.ModRDN && !s.manifest.ModRDN {
			handleCommand = txlog.Modify
		}
		handleErr := rt.invoke(ctx, s, func(ctx context.Context) error {
			return s.module.Handle(ctx, d, newEntry, oldEntry, handleCommand)
		})
		if handleErr != nil {
			rt.logger.Error("handler failed", "handler", name, "dn", d.String(), "error", handleErr)
			continue
		}
		result.ModulePresent[name] = struct{}{}
	}

	return result
}

func (rt *Runtime) dispatchDelete(ctx context.Context, s *handlerState, d dn.DN, oldEntry entry.Entry, command txlog.Command, result *entry.Entry) {
	name := s.manifest.Name
	shouldRun := oldEntry.HasModule(name) || s.manifest.HandleEveryDelete || name == ReplicationHandlerName
	if !shouldRun {
		return
	}

	if err := rt.ensurePrerun(ctx, s); err != nil {
		rt.logger.Error("handler prerun failed, skipping delete handle", "handler", name, "error", err)
		return
	}

	err := rt.invoke(ctx, s, func(ctx context.Context) error {
		return s.module.Handle(ctx, d, entry.Entry{}, oldEntry, command)
	})
	if err != nil {
		rt.logger.Error("handler delete failed", "handler", name, "dn", d.String(), "error", err)
		return
	}
	delete(result.ModulePresent, name)
}

func intersects(changed map[string]struct{}, attrs map[string]struct{}) bool {
	for a := range attrs {
		if _, ok := changed[strings.ToLower(a)]; ok {
			return true
		}
	}
	return false
}
