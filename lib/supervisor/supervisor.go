// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/univention/directory-listener/lib/clock"
	"github.com/univention/directory-listener/lib/controlsocket"
	"github.com/univention/directory-listener/lib/cursor"
)

// QuarantineSentinel is the file whose presence halts the pipeline
// until an operator removes it (§4.9, §6's failed.ldif).
const QuarantineSentinel = "failed.ldif"

// dispatcher is the subset of *dispatch.Dispatcher the supervisor
// drives and reports on.
type dispatcher interface {
	Run(ctx context.Context) error
	Cursor() cursor.Cursor
}

// handlerRuntime is the subset of *handler.Runtime the supervisor
// reports status for and reloads on SIGHUP / the control socket.
type handlerRuntime interface {
	Names() []string
	Ready(name string) bool
	Reload(dirs []string, suffix string) error
}

// connectivity reports whether a protocol client's connection is
// currently established, for the control socket's status report. Both
// notifierclient.Client and directoryclient.Client satisfy this.
type connectivity interface {
	Connected() bool
}

// Config holds the collaborators and tuning parameters for a
// Supervisor.
type Config struct {
	Dispatcher dispatcher
	Handlers   handlerRuntime
	Notifier   connectivity
	Directory  connectivity

	// DataDir holds the quarantine sentinel and anchors the default
	// control-socket and snapshot paths.
	DataDir string
	// ModuleDirs and ManifestSuffix are passed through to
	// handlerRuntime.Reload on SIGHUP and "reload-handlers".
	ModuleDirs     []string
	ManifestSuffix string

	// MinFreeMiB is the free-space watchdog threshold; 0 disables it.
	MinFreeMiB int64
	// WatchedPaths are the filesystems checked against MinFreeMiB
	// (typically the cache directory and the directory client's data
	// volume, when local).
	WatchedPaths []string

	// ControlSocketPath, if non-empty, starts the operator control
	// socket.
	ControlSocketPath string

	// SnapshotSchedule, if non-empty, enables the scheduled snapshot
	// export on this cron expression.
	SnapshotSchedule string
	SnapshotDir      string
	// Snapshotter iterates a consistent point-in-time view of the
	// cache; normally *cache.Cache.
	Snapshotter snapshotter

	Clock  clock.Clock
	Logger *slog.Logger
}

// Supervisor wires the dispatcher's single-writer pipeline to the
// process-level concerns around it: signal handling, the free-space
// and quarantine pre-transaction checks, the operator control socket,
// and the scheduled snapshot export. It owns no part of the ordering
// invariants itself.
type Supervisor struct {
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu            sync.Mutex
	reloadPending bool

	control *controlsocket.Server
}

// New constructs a Supervisor. It does not start anything; call Run.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("supervisor: Dispatcher is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("supervisor: DataDir is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{cfg: cfg, clk: clk, logger: logger}, nil
}

// PreTransactionCheck implements the dispatcher's PreTransactionCheck
// hook: the quarantine sentinel and free-space watchdog both gate
// every transaction, and a pending SIGHUP-triggered reload is applied
// here too, between transactions rather than inside one.
func (s *Supervisor) PreTransactionCheck(ctx context.Context) error {
	if err := s.checkQuarantine(); err != nil {
		return err
	}
	if err := checkFreeSpace(s.cfg.WatchedPaths, s.cfg.MinFreeMiB); err != nil {
		return err
	}

	s.mu.Lock()
	pending := s.reloadPending
	s.reloadPending = false
	s.mu.Unlock()
	if pending {
		if err := s.reloadHandlers(ctx); err != nil {
			s.logger.Error("handler manifest reload failed", "error", err)
		}
	}
	return nil
}

func (s *Supervisor) sentinelPath() string {
	return filepath.Join(s.cfg.DataDir, QuarantineSentinel)
}

func (s *Supervisor) checkQuarantine() error {
	if _, err := os.Stat(s.sentinelPath()); err == nil {
		return fmt.Errorf("supervisor: quarantine sentinel %s present, halting", s.sentinelPath())
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: checking quarantine sentinel: %w", err)
	}
	return nil
}

func (s *Supervisor) reloadHandlers(ctx context.Context) error {
	if s.cfg.Handlers == nil {
		return nil
	}
	return s.cfg.Handlers.Reload(s.cfg.ModuleDirs, s.cfg.ManifestSuffix)
}

// Run starts the control socket and scheduled snapshot export (if
// configured), installs signal handlers, then drives the dispatcher
// until it returns or ctx is cancelled. SIGTERM/SIGINT request a
// graceful drain (the in-flight transaction, if any, is allowed to
// finish; cancellation is observed only between transactions, per
// §5's coarse-grained cancellation). SIGHUP schedules a manifest
// reload for the next PreTransactionCheck.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				switch sig {
				case syscall.SIGHUP:
					s.logger.Info("SIGHUP received, scheduling handler manifest reload")
					s.mu.Lock()
					s.reloadPending = true
					s.mu.Unlock()
				default:
					s.logger.Info("signal received, draining current transaction", "signal", sig.String())
					cancel()
					return
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	if s.cfg.ControlSocketPath != "" {
		srv, err := controlsocket.New(controlsocket.Config{
			SocketPath: s.cfg.ControlSocketPath,
			Handler:    s,
			Logger:     s.logger,
		})
		if err != nil {
			return fmt.Errorf("supervisor: starting control socket: %w", err)
		}
		if err := srv.Start(runCtx); err != nil {
			return fmt.Errorf("supervisor: starting control socket: %w", err)
		}
		s.control = srv
		defer srv.Close()
	}

	if s.cfg.SnapshotSchedule != "" {
		go s.runSnapshotExporter(runCtx)
	}

	err := s.cfg.Dispatcher.Run(runCtx)
	<-done
	return err
}

// Status implements controlsocket.Handler.
func (s *Supervisor) Status(ctx context.Context) (controlsocket.StatusReport, error) {
	cur := s.cfg.Dispatcher.Cursor()
	report := controlsocket.StatusReport{
		NotifierID:    cur.NotifierID,
		SchemaID:      cur.SchemaID,
		HandlerStates: make(map[string]string),
	}
	if s.cfg.Notifier != nil {
		report.NotifierUp = s.cfg.Notifier.Connected()
	}
	if s.cfg.Directory != nil {
		report.DirectoryUp = s.cfg.Directory.Connected()
	}
	if s.cfg.Handlers != nil {
		for _, name := range s.cfg.Handlers.Names() {
			if s.cfg.Handlers.Ready(name) {
				report.HandlerStates[name] = "ready"
			} else {
				report.HandlerStates[name] = "not_ready"
			}
		}
	}
	return report, nil
}

// ReloadHandlers implements controlsocket.Handler: same effect as
// SIGHUP, callable without sending a signal.
func (s *Supervisor) ReloadHandlers(ctx context.Context) error {
	return s.reloadHandlers(ctx)
}

// ClearQuarantine implements controlsocket.Handler: removes the
// quarantine sentinel after an operator has confirmed it is safe to
// resume, logging the action so its audit trail survives even though
// the removal itself is a plain unlink.
func (s *Supervisor) ClearQuarantine(ctx context.Context) error {
	path := s.sentinelPath()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("supervisor: clearing quarantine sentinel: %w", err)
	}
	s.logger.Warn("quarantine sentinel cleared by operator via control socket", "path", path)
	return nil
}
