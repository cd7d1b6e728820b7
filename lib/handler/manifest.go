// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/univention/directory-listener/lib/ldapfilter"
)

// ManifestOverride holds the manifest fields a sidecar file may
// override for an already-registered handler. Handlers are statically
// linked Go values (§9's "statically linked" option), so a manifest
// directory cannot introduce a handler that was never compiled in —
// it can only adjust the filter, attributes, and priority a handler's
// Manifest method declared in code, the same way an operator would
// edit a module's on-disk manifest fields in the original system.
type ManifestOverride struct {
	Priority   *float64 `yaml:"priority"`
	Filter     *string  `yaml:"filter"`
	Attributes []string `yaml:"attributes"`
}

// LoadOverrides scans dirs in order for files named "<handler-name><suffix>"
// and parses each as a ManifestOverride. Later directories in dirs win
// on a name collision, mirroring the load-order precedence the base
// spec gives module_dirs. A missing directory is skipped, not an
// error — operators are not required to populate every configured
// directory.
func LoadOverrides(dirs []string, suffix string) (map[string]ManifestOverride, error) {
	if suffix == "" {
		suffix = ".yaml"
	}
	out := make(map[string]ManifestOverride)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("handler: scanning module directory %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
				continue
			}
			name := strings.TrimSuffix(e.Name(), suffix)
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("handler: reading manifest override %s: %w", e.Name(), err)
			}
			var override ManifestOverride
			if err := yaml.Unmarshal(data, &override); err != nil {
				return nil, fmt.Errorf("handler: parsing manifest override %s: %w", e.Name(), err)
			}
			out[name] = override
		}
	}
	return out, nil
}

// Reload re-applies manifest overrides to the already-loaded handler
// set, reordering by the (possibly new) priorities and re-parsing any
// changed filter. It never adds or removes a handler — see
// ManifestOverride's doc comment — so a sidecar file naming an unknown
// handler is logged and ignored rather than rejected outright; an
// operator may be staging a manifest ahead of a binary rollout that
// adds the corresponding Go module.
func (rt *Runtime) Reload(dirs []string, suffix string) error {
	overrides, err := LoadOverrides(dirs, suffix)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(rt.states))
	for _, s := range rt.states {
		known[s.manifest.Name] = true
	}
	for name := range overrides {
		if !known[name] {
			rt.logger.Warn("manifest override names a handler that is not registered, ignoring", "handler", name)
		}
	}

	for _, s := range rt.states {
		override, ok := overrides[s.manifest.Name]
		if !ok {
			continue
		}
		if override.Priority != nil {
			s.manifest.Priority = *override.Priority
		}
		if override.Filter != nil {
			filter, err := ldapfilter.Parse(*override.Filter)
			if err != nil {
				rt.logger.Error("manifest override filter failed to parse, keeping previous filter",
					"handler", s.manifest.Name, "error", err)
			} else {
				s.filter = filter
				s.manifest.Filter = *override.Filter
			}
		}
		if override.Attributes != nil {
			attrs := make(map[string]struct{}, len(override.Attributes))
			for _, a := range override.Attributes {
				attrs[a] = struct{}{}
			}
			s.attributes = attrs
			s.manifest.Attributes = override.Attributes
		}
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

	rt.logger.Info("handler manifests reloaded", "overrides", len(overrides))
	return nil
}

// Names returns the loaded handlers' names in dispatch order, for
// status reporting.
func (rt *Runtime) Names() []string {
	out := make([]string, len(rt.states))
	for i, s := range rt.states {
		out[i] = s.manifest.Name
	}
	return out
}

// Ready reports whether the named handler has completed Initialize.
// Returns false for an unknown name.
func (rt *Runtime) Ready(name string) bool {
	for _, s := range rt.states {
		if s.manifest.Name == name {
			return s.ready
		}
	}
	return false
}
