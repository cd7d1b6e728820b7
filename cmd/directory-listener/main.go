// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Command directory-listener runs the replication agent described in
// this repository's package docs: it tails the notifier's transaction
// stream, re-fetches changed entries from the authoritative directory,
// dispatches them to the loaded handler set, and keeps the local
// entry cache and master cursor in sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/univention/directory-listener/lib/cache"
	"github.com/univention/directory-listener/lib/config"
	"github.com/univention/directory-listener/lib/directoryclient"
	"github.com/univention/directory-listener/lib/dispatch"
	"github.com/univention/directory-listener/lib/handler"
	"github.com/univention/directory-listener/lib/notifierclient"
	"github.com/univention/directory-listener/lib/process"
	"github.com/univention/directory-listener/lib/supervisor"
	"github.com/univention/directory-listener/lib/txlog"
	"github.com/univention/directory-listener/lib/version"

	_ "github.com/univention/directory-listener/internal/handlers/replication"
)

func main() {
	configPath := flag.String("config", "", "path to listener.yaml (overrides LISTENER_CONFIG)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := run(*configPath); err != nil {
		process.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{}))
	logger.Info("starting directory listener", "version", version.Short(), "environment", cfg.Environment)

	notifier := notifierclient.New(notifierclient.Config{
		Address:     cfg.Notifier.Address,
		MaxAttempts: cfg.Notifier.MaxRetries,
		Logger:      logger.With("component", "notifierclient"),
	})
	defer notifier.Close()

	directory := directoryclient.New(directoryclient.Config{
		URL:          cfg.Directory.URL,
		BindDN:       cfg.Directory.BindDN,
		BindPassword: cfg.Directory.BindPassword,
		BaseDN:       cfg.Directory.BaseDN,
		MaxAttempts:  cfg.Directory.MaxRetries,
		Logger:       logger.With("component", "directoryclient"),
	})
	defer directory.Close()

	entryCache, err := cache.Open(cache.Config{
		Path:   cachePath(cfg),
		Logger: logger.With("component", "cache"),
	})
	if err != nil {
		return fmt.Errorf("opening entry cache: %w", err)
	}
	defer entryCache.Close()

	stateStore, err := handler.NewFileStateStore(cfg.Paths.HandlerStateDir)
	if err != nil {
		return fmt.Errorf("opening handler state store: %w", err)
	}

	var dropPrivileges func() error
	if cfg.Handlers.DropPrivilegesTo != "" {
		dropPrivileges, err = handler.DropPrivilegesTo(cfg.Handlers.DropPrivilegesTo)
		if err != nil {
			return fmt.Errorf("configuring privilege drop: %w", err)
		}
	}

	runtime, err := handler.NewRuntime(handler.Config{
		Modules:        handler.Registered(),
		Logger:         logger.With("component", "handler"),
		StateStore:     stateStore,
		DropPrivileges: dropPrivileges,
	})
	if err != nil {
		return fmt.Errorf("loading handlers: %w", err)
	}
	if err := runtime.Reload(cfg.Paths.ModuleDirs, cfg.Handlers.Suffix); err != nil {
		logger.Warn("initial handler manifest load failed, using compiled-in defaults", "error", err)
	}

	ctx := context.Background()
	if err := runtime.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing handlers: %w", err)
	}
	defer runtime.Clean(context.Background())

	var txWriter *txlog.Writer
	if cfg.WriteTransactionFile {
		txWriter, err = txlog.Open(transactionLogPath(cfg), transactionIndexPath(cfg))
		if err != nil {
			return fmt.Errorf("opening transaction log: %w", err)
		}
		defer txWriter.Close()
	}

	dispatchCfg := dispatch.Config{
		Notifier:     notifier,
		Directory:    directory,
		Cache:        entryCache,
		Handlers:     runtime,
		CursorPath:   cursorPath(cfg),
		WatchdogPath: watchdogPath(cfg),
		ModuleDirs:   cfg.Paths.ModuleDirs,
		PostrunIdle:  cfg.Handlers.PostrunIdle,
		AliveIdle:    cfg.Notifier.AliveIdle,
		Logger:       logger.With("component", "dispatch"),
	}
	if txWriter != nil {
		dispatchCfg.TxLog = txWriter
	}

	dispatcher, err := dispatch.New(dispatchCfg)
	if err != nil {
		return fmt.Errorf("constructing dispatcher: %w", err)
	}

	watchedPaths := []string{cfg.Paths.DataDir}

	super, err := supervisor.New(supervisor.Config{
		Dispatcher:        dispatcher,
		Handlers:          runtime,
		Notifier:          notifier,
		Directory:         directory,
		DataDir:           cfg.Paths.DataDir,
		ModuleDirs:        cfg.Paths.ModuleDirs,
		ManifestSuffix:    cfg.Handlers.Suffix,
		MinFreeMiB:        cfg.Supervisor.MinFreeMiB,
		WatchedPaths:      watchedPaths,
		ControlSocketPath: cfg.Supervisor.ControlSocket,
		SnapshotSchedule:  cfg.Supervisor.SnapshotSchedule,
		SnapshotDir:       cfg.Supervisor.SnapshotDir,
		Snapshotter:       entryCache,
		Logger:            logger.With("component", "supervisor"),
	})
	if err != nil {
		return fmt.Errorf("constructing supervisor: %w", err)
	}

	dispatcher.SetPreTransactionCheck(super.PreTransactionCheck)

	if err := super.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.LoadFile(explicitPath)
	}
	return config.Load()
}

func cachePath(cfg *config.Config) string {
	return cfg.Paths.DataDir + "/cache/entries.sqlite"
}

func cursorPath(cfg *config.Config) string {
	return cfg.Paths.DataDir + "/cache/master.state"
}

func watchdogPath(cfg *config.Config) string {
	return cfg.Paths.DataDir + "/cache/watchdog.state"
}

func transactionLogPath(cfg *config.Config) string {
	return cfg.Paths.DataDir + "/transaction"
}

func transactionIndexPath(cfg *config.Config) string {
	return cfg.Paths.DataDir + "/transaction.index"
}
