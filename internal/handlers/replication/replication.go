// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication registers the listener's sentinel "replication"
// handler: the one every node runs regardless of configuration,
// because without it a node never joins the replication topology in
// the first place.
//
// Its Handle here is intentionally thin — forwarding the new entry to
// a peer store is deployment-specific and out of this system's scope
// (§1's "Individual handler module content" is an explicit
// non-concern) — but the handler still has to exist and run first on
// every transaction including deletes, per lib/handler.ReplicationHandlerName.
package replication

import (
	"context"
	"log/slog"

	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
	"github.com/univention/directory-listener/lib/handler"
	"github.com/univention/directory-listener/lib/txlog"
)

func init() {
	handler.Register(New(nil))
}

// Sink receives the post-image of every transaction this handler
// processes. A real deployment wires a peer-replication client here;
// the zero value (nil Sink) makes Handle a no-op beyond logging, which
// is sufficient for a node that only needs the module-present
// bookkeeping §3's invariant 2 depends on.
type Sink interface {
	Replicate(ctx context.Context, d dn.DN, newEntry entry.Entry, command txlog.Command) error
}

// Module is the built-in replication handler.
type Module struct {
	handler.NoopHooks
	sink   Sink
	logger *slog.Logger
}

// New constructs the replication handler. sink may be nil.
func New(sink Sink) *Module {
	return &Module{sink: sink, logger: slog.New(slog.DiscardHandler)}
}

// SetLogger overrides the handler's logger; called once by main after
// loading configuration.
func (m *Module) SetLogger(logger *slog.Logger) { m.logger = logger }

// Manifest implements handler.Module.
func (m *Module) Manifest() handler.Manifest {
	return handler.Manifest{
		Name:              handler.ReplicationHandlerName,
		Description:       "forwards every committed transaction to configured peer stores",
		Priority:          0,
		HandleEveryDelete: true,
	}
}

// Handle implements handler.Module.
func (m *Module) Handle(ctx context.Context, d dn.DN, newEntry, oldEntry entry.Entry, command txlog.Command) error {
	if m.sink == nil {
		return nil
	}
	return m.sink.Replicate(ctx, d, newEntry, command)
}
