// Copyright 2026 The Directory Listener Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/univention/directory-listener/lib/cron"
	"github.com/univention/directory-listener/lib/entry"
)

// snapshotter iterates a consistent point-in-time view of the entry
// cache. *cache.Cache satisfies this via its Snapshot method.
type snapshotter interface {
	Snapshot(ctx context.Context, fn func(entry.Entry) error) error
}

// runSnapshotExporter runs until ctx is cancelled, writing one flat
// file per DN to cfg.SnapshotDir each time cfg.SnapshotSchedule's cron
// expression matches. It is a read-only consumer of the cache's
// existing non-blocking snapshot read: it introduces no new writer
// and never touches the cursor, the cache's write path, or handler
// state, so it does not participate in the single-writer ordering
// invariant (§5).
func (s *Supervisor) runSnapshotExporter(ctx context.Context) {
	schedule, err := cron.Parse(s.cfg.SnapshotSchedule)
	if err != nil {
		s.logger.Error("snapshot export disabled: invalid schedule", "schedule", s.cfg.SnapshotSchedule, "error", err)
		return
	}
	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		s.logger.Error("snapshot export disabled: creating export directory failed", "dir", s.cfg.SnapshotDir, "error", err)
		return
	}

	for {
		now := s.clk.Now()
		next, err := schedule.Next(now)
		if err != nil {
			s.logger.Error("snapshot export stopping: computing next run", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(next.Sub(now)):
		}

		if err := s.exportSnapshot(ctx); err != nil {
			s.logger.Error("snapshot export failed", "error", err)
		} else {
			s.logger.Info("snapshot export completed", "dir", s.cfg.SnapshotDir)
		}
	}
}

// exportSnapshot writes every entry in the cache to
// "<SnapshotDir>/<escaped-dn>.entry" in a human-diffable text
// encoding: one "name: value" line per attribute value (values are
// hex-encoded, since they are opaque octets with no UTF-8 guarantee),
// followed by a blank line and the sorted module-present set.
func (s *Supervisor) exportSnapshot(ctx context.Context) error {
	if s.cfg.Snapshotter == nil {
		return fmt.Errorf("supervisor: snapshot export enabled but no snapshotter configured")
	}

	tmpDir, err := os.MkdirTemp(s.cfg.SnapshotDir, ".export-*")
	if err != nil {
		return fmt.Errorf("creating export staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	count := 0
	err = s.cfg.Snapshotter.Snapshot(ctx, func(e entry.Entry) error {
		count++
		return writeSnapshotFile(tmpDir, e)
	})
	if err != nil {
		return fmt.Errorf("iterating cache snapshot: %w", err)
	}

	entries, err := os.ReadDir(s.cfg.SnapshotDir)
	if err != nil {
		return fmt.Errorf("listing existing export directory: %w", err)
	}
	for _, old := range entries {
		if strings.HasPrefix(old.Name(), ".export-") || !strings.HasSuffix(old.Name(), ".entry") {
			continue
		}
		os.Remove(filepath.Join(s.cfg.SnapshotDir, old.Name()))
	}

	staged, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("listing staged export: %w", err)
	}
	for _, f := range staged {
		if err := os.Rename(filepath.Join(tmpDir, f.Name()), filepath.Join(s.cfg.SnapshotDir, f.Name())); err != nil {
			return fmt.Errorf("promoting staged export file %s: %w", f.Name(), err)
		}
	}

	s.logger.Info("snapshot export wrote entries", "count", count)
	return nil
}

func writeSnapshotFile(dir string, e entry.Entry) error {
	name := escapeDNForFilename(e.DN.String()) + ".entry"

	var b strings.Builder
	for _, attr := range e.Attributes {
		for _, v := range attr.Values {
			fmt.Fprintf(&b, "%s: %x\n", attr.Name, v)
		}
	}
	b.WriteString("\n")
	for _, name := range e.ModuleNames() {
		fmt.Fprintf(&b, "module-present: %s\n", name)
	}

	return os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644)
}

// escapeDNForFilename replaces path-separator and null bytes in a DN
// so it can be used verbatim as a filename; DNs are otherwise
// restricted enough (no raw "/" in practice) that this rarely fires,
// but a directory entry's RDN value is operator-controlled input.
func escapeDNForFilename(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		default:
			return r
		}
	}, raw)
}
