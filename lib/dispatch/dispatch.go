// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/univention/directory-listener/lib/clock"
	"github.com/univention/directory-listener/lib/cursor"
	"github.com/univention/directory-listener/lib/dn"
	"github.com/univention/directory-listener/lib/entry"
	"github.com/univention/directory-listener/lib/notifierclient"
	"github.com/univention/directory-listener/lib/txlog"
	"github.com/univention/directory-listener/lib/watchdog"
)

// notifierClient is the subset of *notifierclient.Client the
// dispatcher needs.
type notifierClient interface {
	GetNextID(ctx context.Context, id uint64) (notifierclient.NextID, error)
	Alive(ctx context.Context) error
	GetSchemaID(ctx context.Context) (uint64, error)
}

// directoryClient is the subset of *directoryclient.Client the
// dispatcher needs.
type directoryClient interface {
	Read(ctx context.Context, d dn.DN) (entry.Entry, bool, error)
	ReadChange(ctx context.Context, id uint64) (dn.DN, txlog.Command, error)
	Close() error
}

// entryCache is the subset of *cache.Cache the dispatcher needs.
type entryCache interface {
	Get(ctx context.Context, d dn.DN) (entry.Entry, bool, error)
	Put(ctx context.Context, e entry.Entry) error
	Delete(ctx context.Context, d dn.DN) error
}

// handlerRuntime is the subset of *handler.Runtime the dispatcher
// needs.
type handlerRuntime interface {
	Dispatch(ctx context.Context, d dn.DN, newEntry, oldEntry entry.Entry, changedAttrs []string, command txlog.Command, isDelete bool) entry.Entry
	Postrun(ctx context.Context)
}

// transactionLog is the subset of *txlog.Writer the dispatcher needs.
// A nil transactionLog disables APPEND_TXLOG, matching the
// write_transaction_file configuration flag.
type transactionLog interface {
	Append(r txlog.Record) error
}

// defaultPollInterval bounds how long a single GetNextID wait blocks
// before the dispatcher re-checks its idle hooks and any
// supervisor-supplied pre-transaction condition. It has no spec-level
// configuration knob of its own; it only paces how promptly alive
// pings and postrun fire while idle.
const defaultPollInterval = 10 * time.Second

// Config holds the collaborators and tuning parameters for a
// Dispatcher.
type Config struct {
	Notifier  notifierClient
	Directory directoryClient
	Cache     entryCache
	Handlers  handlerRuntime
	// TxLog is optional; nil disables APPEND_TXLOG.
	TxLog transactionLog

	// CursorPath is the master cursor file (see lib/cursor).
	CursorPath string
	// WatchdogPath is the crash watchdog marker file (see lib/watchdog).
	WatchdogPath string
	// ModuleDirs is the ordered list of handler manifest directories
	// currently configured. Its hash is persisted in the cursor (§4.8)
	// and compared against the previous run's hash at startup so a
	// changed module-directory set can be detected across restarts.
	ModuleDirs []string

	// PostrunIdle is how long the pipeline must be idle before Postrun
	// fires on every loaded handler. Default 300s.
	PostrunIdle time.Duration
	// AliveIdle is how long the pipeline must be idle before a notifier
	// keepalive is sent. Default 300s.
	AliveIdle time.Duration
	// PollInterval bounds a single wait for the next transaction id.
	// Default 10s.
	PollInterval time.Duration

	// PreTransactionCheck, if set, is called before every transaction is
	// fetched. A non-nil error halts the dispatcher; this is the hook
	// the supervisor uses for the free-space watchdog and the
	// failed-replay quarantine sentinel.
	PreTransactionCheck func(ctx context.Context) error

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher drives the per-transaction state machine described in
// this package's doc comment. Not safe for concurrent use — invariant
// 1 (single writer, total order) depends on there being exactly one
// goroutine calling Run.
type Dispatcher struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	cursor         cursor.Cursor
	moduleDirsHash []byte

	lastActivity  time.Time
	lastAlive     time.Time
	postrunCalled bool
}

// New constructs a Dispatcher, reading the master cursor from
// cfg.CursorPath (the resume point) and checking for a crash watchdog
// marker left behind by an interrupted prior run. A marker found here
// is purely diagnostic: it is logged and cleared, never used to alter
// the resume point, which comes from the cursor alone.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.CursorPath == "" {
		return nil, fmt.Errorf("dispatch: CursorPath is required")
	}
	if cfg.WatchdogPath == "" {
		return nil, fmt.Errorf("dispatch: WatchdogPath is required")
	}
	if cfg.PostrunIdle <= 0 {
		cfg.PostrunIdle = 300 * time.Second
	}
	if cfg.AliveIdle <= 0 {
		cfg.AliveIdle = 300 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	startCursor, err := cursor.Read(cfg.CursorPath)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading master cursor: %w", err)
	}

	if marker, found, err := watchdog.Check(cfg.WatchdogPath); err != nil {
		logger.Error("crash watchdog marker unreadable", "error", err)
	} else if found {
		logger.Warn("previous run crashed between cache commit and cursor advance",
			"id", marker.ID, "dn", marker.DN)
		if err := watchdog.Clear(cfg.WatchdogPath); err != nil {
			logger.Error("clearing crash watchdog marker", "error", err)
		}
	}

	moduleDirsHash := cursor.HashModuleDirs(cfg.ModuleDirs)
	if len(startCursor.ModuleDirsHash) > 0 && string(startCursor.ModuleDirsHash) != string(moduleDirsHash) {
		logger.Warn("module directory set changed since the last committed transaction",
			"cursor_id", startCursor.NotifierID)
	}

	now := clk.Now()
	return &Dispatcher{
		cfg:            cfg,
		clk:            clk,
		logger:         logger,
		cursor:         startCursor,
		moduleDirsHash: moduleDirsHash,
		lastActivity:   now,
		lastAlive:      now,
	}, nil
}

// Cursor returns the dispatcher's current in-memory master cursor.
func (d *Dispatcher) Cursor() cursor.Cursor {
	return d.cursor
}

// SetPreTransactionCheck installs or replaces the pre-transaction
// hook (see Config.PreTransactionCheck). It exists because the
// supervisor that usually supplies this hook needs a *Dispatcher to
// construct itself (for Cursor()), creating an ordering dependency
// Config alone can't express: build the Dispatcher first, build the
// Supervisor from it, then wire the hook back with this setter.
func (d *Dispatcher) SetPreTransactionCheck(fn func(ctx context.Context) error) {
	d.cfg.PreTransactionCheck = fn
}

// Run processes transactions forever, one at a time, until ctx is
// cancelled or an unrecoverable error occurs. A cancelled ctx is
// checked only between transactions (matching the coarse-grained
// cancellation described for this pipeline): a transaction already in
// flight always runs to completion. Run returns ctx.Err() on clean
// cancellation; callers treat that as a graceful shutdown (exit 0),
// any other error as fatal (exit 1).
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.cfg.PreTransactionCheck != nil {
			if err := d.cfg.PreTransactionCheck(ctx); err != nil {
				return fmt.Errorf("dispatch: pre-transaction check: %w", err)
			}
		}

		if err := d.checkSchemaFence(ctx); err != nil {
			return err
		}

		next, err := d.waitForNextID(ctx)
		if err != nil {
			return err
		}

		if err := d.process(ctx, next); err != nil {
			return fmt.Errorf("dispatch: processing transaction %d: %w", next.ID, err)
		}

		d.lastActivity = d.clk.Now()
		d.postrunCalled = false
	}
}

// checkSchemaFence implements invariant 6: if the notifier's schema
// generation has advanced past the persisted one, the directory
// connection is torn down (it is reopened lazily on the next read)
// before any further transaction is processed.
func (d *Dispatcher) checkSchemaFence(ctx context.Context) error {
	schemaID, err := d.cfg.Notifier.GetSchemaID(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: checking schema generation: %w", err)
	}
	if schemaID > d.cursor.SchemaID {
		d.logger.Info("schema generation advanced, reinitializing directory binding",
			"old_schema_id", d.cursor.SchemaID, "new_schema_id", schemaID)
		if err := d.cfg.Directory.Close(); err != nil {
			d.logger.Error("closing directory connection during schema fence", "error", err)
		}
		d.cursor.SchemaID = schemaID
	}
	return nil
}

// waitForNextID blocks until the notifier reports the transaction
// following the current cursor, polling in bounded slices so idle
// hooks (alive keepalive, handler postrun) fire while the pipeline has
// nothing to do. A real cancellation of ctx (as opposed to a
// per-poll timeout) is returned immediately.
func (d *Dispatcher) waitForNextID(ctx context.Context) (notifierclient.NextID, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, d.cfg.PollInterval)
		next, err := d.cfg.Notifier.GetNextID(waitCtx, d.cursor.NotifierID)
		cancel()
		if err == nil {
			return next, nil
		}
		if ctx.Err() != nil {
			return notifierclient.NextID{}, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return notifierclient.NextID{}, fmt.Errorf("dispatch: waiting for next transaction: %w", err)
		}
		d.checkIdleHooks(ctx)
	}
}

func (d *Dispatcher) checkIdleHooks(ctx context.Context) {
	now := d.clk.Now()
	idle := now.Sub(d.lastActivity)

	if idle >= d.cfg.AliveIdle && now.Sub(d.lastAlive) >= d.cfg.AliveIdle {
		if err := d.cfg.Notifier.Alive(ctx); err != nil {
			d.logger.Warn("notifier keepalive failed, tearing down directory connection", "error", err)
			if closeErr := d.cfg.Directory.Close(); closeErr != nil {
				d.logger.Error("closing directory connection after keepalive failure", "error", closeErr)
			}
		}
		d.lastAlive = now
	}

	if idle >= d.cfg.PostrunIdle && !d.postrunCalled {
		d.cfg.Handlers.Postrun(ctx)
		d.postrunCalled = true
	}
}

// process runs one transaction through FETCH_META ... ADVANCE_CURSOR.
// Any error returned here leaves the cursor unchanged, so the next
// resume processes the same id again; a cache write or txlog append
// that completed before the error is not undone.
func (d *Dispatcher) process(ctx context.Context, next notifierclient.NextID) error {
	if next.ID == d.cursor.NotifierID {
		// The notifier replied with the transaction we already
		// persisted as current. Treat it as already processed: the
		// cursor does not move and we yield without touching the
		// cache, txlog, or watchdog.
		d.logger.Info("notifier reported already-processed id, yielding", "id", next.ID)
		return nil
	}
	if next.ID != d.cursor.NotifierID+1 {
		return fmt.Errorf("dispatch: ordering violation: notifier announced id %d, expected %d", next.ID, d.cursor.NotifierID+1)
	}

	targetDN := next.DN
	command := next.Command
	if !next.HasDetails {
		var err error
		targetDN, command, err = d.cfg.Directory.ReadChange(ctx, next.ID)
		if err != nil {
			return fmt.Errorf("reading change-log entry for %d: %w", next.ID, err)
		}
	}

	var newEntry entry.Entry
	if command != txlog.Delete {
		fetched, found, err := d.cfg.Directory.Read(ctx, targetDN)
		if err != nil {
			return fmt.Errorf("fetching entry %s: %w", targetDN.String(), err)
		}
		if !found {
			// The entry was deleted between the notifier's announcement
			// and this fetch; carry the transaction through as a delete.
			command = txlog.Delete
		} else {
			newEntry = fetched
		}
	}
	isDelete := command == txlog.Delete

	oldEntry, _, err := d.cfg.Cache.Get(ctx, targetDN)
	if err != nil {
		return fmt.Errorf("loading cached entry %s: %w", targetDN.String(), err)
	}

	var changed []string
	if !isDelete {
		changed = entry.Diff(oldEntry, newEntry)
	}

	result := d.cfg.Handlers.Dispatch(ctx, targetDN, newEntry, oldEntry, changed, command, isDelete)

	if err := watchdog.Write(d.cfg.WatchdogPath, watchdog.Marker{ID: next.ID, DN: targetDN.String()}); err != nil {
		return fmt.Errorf("writing crash watchdog marker: %w", err)
	}

	if isDelete {
		if err := d.cfg.Cache.Delete(ctx, targetDN); err != nil {
			return fmt.Errorf("deleting cached entry %s: %w", targetDN.String(), err)
		}
	} else {
		if err := d.cfg.Cache.Put(ctx, result); err != nil {
			return fmt.Errorf("writing cached entry %s: %w", targetDN.String(), err)
		}
	}

	if d.cfg.TxLog != nil {
		if err := d.cfg.TxLog.Append(txlog.Record{ID: next.ID, Command: command, DN: targetDN}); err != nil {
			return fmt.Errorf("appending transaction log entry %d: %w", next.ID, err)
		}
	}

	newCursor := cursor.Cursor{NotifierID: next.ID, SchemaID: d.cursor.SchemaID, ModuleDirsHash: d.moduleDirsHash}
	if err := cursor.Write(d.cfg.CursorPath, newCursor); err != nil {
		return fmt.Errorf("advancing cursor to %d: %w", next.ID, err)
	}
	d.cursor = newCursor

	if err := watchdog.Clear(d.cfg.WatchdogPath); err != nil {
		d.logger.Error("clearing crash watchdog marker failed", "error", err)
	}

	d.logger.Info("transaction committed", "id", next.ID, "dn", targetDN.String(), "command", command.String())
	return nil
}
