// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the directory
// listener.
//
// Configuration is loaded from a single file specified by:
//   - LISTENER_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the listener process.
type Config struct {
	// Environment identifies the deployment type (development, staging,
	// production).
	Environment Environment `yaml:"environment"`

	// Paths configures on-disk locations (§6 on-disk layout).
	Paths PathsConfig `yaml:"paths"`

	// Notifier configures the notifier protocol client (§4.1).
	Notifier NotifierConfig `yaml:"notifier"`

	// Directory configures the authoritative directory client (§4.2).
	Directory DirectoryConfig `yaml:"directory"`

	// Handlers configures the handler runtime (§4.7).
	Handlers HandlersConfig `yaml:"handlers"`

	// Supervisor configures the free-space watchdog, control socket,
	// and scheduled snapshot export (§4.9).
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// WriteTransactionFile enables the append-only transaction log
	// (§4.4). Default: false.
	WriteTransactionFile bool `yaml:"write_transaction_file"`

	// EnvironmentOverrides contains per-environment overrides. These
	// are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Notifier   *NotifierConfig   `yaml:"notifier,omitempty"`
	Directory  *DirectoryConfig  `yaml:"directory,omitempty"`
	Supervisor *SupervisorConfig `yaml:"supervisor,omitempty"`
}

// PathsConfig configures on-disk locations under the listener's data
// directory (§6).
type PathsConfig struct {
	// DataDir is the base directory holding cache/, transaction,
	// transaction.index, and failed.ldif.
	DataDir string `yaml:"data_dir"`

	// ModuleDirs is the ordered list of directories scanned for
	// handler modules at load time and on SIGHUP (§4.7).
	ModuleDirs []string `yaml:"module_dirs"`

	// HandlerStateDir holds one file per handler recording its
	// persisted state bit-set (§4.7).
	HandlerStateDir string `yaml:"handler_state_dir"`
}

// NotifierConfig configures the notifier protocol client (§4.1, §6).
type NotifierConfig struct {
	// Address is the notifier's host:port.
	Address string `yaml:"address"`

	// MaxRetries bounds reconnect attempts; 0 means unlimited.
	MaxRetries int `yaml:"max_retries"`

	// AliveIdle is how long the pipeline must be idle before an
	// `alive` keepalive is issued. Default: 300s.
	AliveIdle time.Duration `yaml:"alive_idle"`

	// WaitTimeout bounds a single `wait` call. Default: 5m.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// DirectoryConfig configures the authoritative directory client
// (§4.2, §6).
type DirectoryConfig struct {
	// URL is the LDAP URL of the authoritative directory, e.g.
	// "ldap://ldap-master.example.com:389".
	URL string `yaml:"url"`

	// BindDN and BindPassword authenticate the listener's directory
	// binding.
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`

	// BaseDN scopes change-log lookups (the "cn=translog" subtree
	// lives under this base).
	BaseDN string `yaml:"base_dn"`

	// MaxRetries bounds reconnect attempts; 0 means unlimited.
	MaxRetries int `yaml:"max_retries"`

	// ReadTimeout bounds a single directory read or change-log lookup.
	// Default: 5m.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// HandlersConfig configures the handler runtime (§4.7).
type HandlersConfig struct {
	// Suffix is the filename suffix recognized as a handler module,
	// e.g. ".py" in the original system; here, handlers are statically
	// linked Go values registered by name, so this selects which
	// manifest sidecar files (<name>.yaml) are read for the fields
	// listed in §4.7 that the handler implementation does not set in
	// code (filter, attributes, priority overrides).
	Suffix string `yaml:"suffix"`

	// PostrunIdle is how long the pipeline must be idle before
	// postrun fires. Default: 300s.
	PostrunIdle time.Duration `yaml:"postrun_idle"`

	// DropPrivilegesTo is the unprivileged user identity hook
	// invocations run as, re-applied after every hook return (§4.7
	// "Privilege"). Empty disables privilege dropping.
	DropPrivilegesTo string `yaml:"drop_privileges_to"`
}

// SupervisorConfig configures the free-space watchdog, control
// socket, and scheduled snapshot export (§4.9, SPEC_FULL §4.9).
type SupervisorConfig struct {
	// MinFreeMiB is the free-space threshold per monitored filesystem
	// (cache and directory-data). Zero disables the watchdog.
	MinFreeMiB int64 `yaml:"min_free_mib"`

	// ControlSocket is the path of the operator control socket. Empty
	// disables it.
	ControlSocket string `yaml:"control_socket"`

	// SnapshotSchedule is a 5-field cron expression controlling the
	// scheduled snapshot export. Empty disables the feature.
	SnapshotSchedule string `yaml:"snapshot_schedule"`

	// SnapshotDir is the export target directory. Required if
	// SnapshotSchedule is set.
	SnapshotDir string `yaml:"snapshot_dir"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback —
// the config file is required for Notifier.Address and
// Directory.URL.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultData := filepath.Join(homeDir, ".local", "state", "directory-listener")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			DataDir:         defaultData,
			ModuleDirs:      []string{filepath.Join(defaultData, "handlers.d")},
			HandlerStateDir: filepath.Join(defaultData, "cache", "handlers"),
		},
		Notifier: NotifierConfig{
			MaxRetries:  0,
			AliveIdle:   300 * time.Second,
			WaitTimeout: 5 * time.Minute,
		},
		Directory: DirectoryConfig{
			MaxRetries:  0,
			ReadTimeout: 5 * time.Minute,
		},
		Handlers: HandlersConfig{
			Suffix:      ".yaml",
			PostrunIdle: 300 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MinFreeMiB: 0,
		},
		WriteTransactionFile: false,
	}
}

// Load loads configuration from the LISTENER_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults — if LISTENER_CONFIG is
// not set, this fails. This ensures deterministic, auditable
// configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("LISTENER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("LISTENER_CONFIG environment variable not set; " +
			"set it to the path of your listener.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values — this ensures
// deterministic, auditable configuration. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Notifier != nil {
		if overrides.Notifier.Address != "" {
			c.Notifier.Address = overrides.Notifier.Address
		}
		if overrides.Notifier.MaxRetries != 0 {
			c.Notifier.MaxRetries = overrides.Notifier.MaxRetries
		}
		if overrides.Notifier.AliveIdle != 0 {
			c.Notifier.AliveIdle = overrides.Notifier.AliveIdle
		}
		if overrides.Notifier.WaitTimeout != 0 {
			c.Notifier.WaitTimeout = overrides.Notifier.WaitTimeout
		}
	}

	if overrides.Directory != nil {
		if overrides.Directory.URL != "" {
			c.Directory.URL = overrides.Directory.URL
		}
		if overrides.Directory.BindDN != "" {
			c.Directory.BindDN = overrides.Directory.BindDN
		}
		if overrides.Directory.BindPassword != "" {
			c.Directory.BindPassword = overrides.Directory.BindPassword
		}
		if overrides.Directory.BaseDN != "" {
			c.Directory.BaseDN = overrides.Directory.BaseDN
		}
	}

	if overrides.Supervisor != nil {
		if overrides.Supervisor.MinFreeMiB != 0 {
			c.Supervisor.MinFreeMiB = overrides.Supervisor.MinFreeMiB
		}
		if overrides.Supervisor.ControlSocket != "" {
			c.Supervisor.ControlSocket = overrides.Supervisor.ControlSocket
		}
		if overrides.Supervisor.SnapshotSchedule != "" {
			c.Supervisor.SnapshotSchedule = overrides.Supervisor.SnapshotSchedule
		}
		if overrides.Supervisor.SnapshotDir != "" {
			c.Supervisor.SnapshotDir = overrides.Supervisor.SnapshotDir
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"LISTENER_DATA_DIR": c.Paths.DataDir,
		"HOME":              os.Getenv("HOME"),
	}

	c.Paths.DataDir = expandVars(c.Paths.DataDir, vars)
	vars["LISTENER_DATA_DIR"] = c.Paths.DataDir // Update for dependent paths.

	c.Paths.HandlerStateDir = expandVars(c.Paths.HandlerStateDir, vars)
	for i, dir := range c.Paths.ModuleDirs {
		c.Paths.ModuleDirs[i] = expandVars(dir, vars)
	}
	c.Supervisor.ControlSocket = expandVars(c.Supervisor.ControlSocket, vars)
	c.Supervisor.SnapshotDir = expandVars(c.Supervisor.SnapshotDir, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.DataDir == "" {
		errs = append(errs, fmt.Errorf("paths.data_dir is required"))
	}
	if len(c.Paths.ModuleDirs) == 0 {
		errs = append(errs, fmt.Errorf("paths.module_dirs must name at least one directory"))
	}

	if c.Notifier.Address == "" {
		errs = append(errs, fmt.Errorf("notifier.address is required"))
	}
	if c.Directory.URL == "" {
		errs = append(errs, fmt.Errorf("directory.url is required"))
	}

	if c.Supervisor.SnapshotSchedule != "" && c.Supervisor.SnapshotDir == "" {
		errs = append(errs, fmt.Errorf("supervisor.snapshot_dir is required when supervisor.snapshot_schedule is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.DataDir,
		filepath.Join(c.Paths.DataDir, "cache"),
		c.Paths.HandlerStateDir,
	}
	paths = append(paths, c.Paths.ModuleDirs...)
	if c.Supervisor.SnapshotDir != "" {
		paths = append(paths, c.Supervisor.SnapshotDir)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
