// Package registry discovers installed PostgreSQL-adjacent binaries,
// resolves name conflicts, and publishes a read-mostly snapshot.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// searchPaths is the ordered list of well-known binary directories,
// including glob patterns that expand to versioned PostgreSQL install
// roots.
var searchPaths = []string{
	"/usr/lib/postgresql/*/bin",
	"/usr/pgsql-*/bin",
	"/opt/pgagent/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
}

// genericBinDirs are pruned in favor of any specialized path.
var genericBinDirs = map[string]bool{
	"/usr/bin": true,
	"/bin":     true,
}

// toolMetadata describes how to probe a known tool for its version and
// what to call it, covering common PostgreSQL administration tools
// plus obvious companions.
type toolMetadata struct {
	probeArgs   []string
	description string
}

var knownToolMetadata = map[string]toolMetadata{
	"psql":             {[]string{"--version"}, "PostgreSQL interactive terminal"},
	"pg_dump":          {[]string{"--version"}, "PostgreSQL database dump utility"},
	"pg_restore":       {[]string{"--version"}, "PostgreSQL archive restore utility"},
	"pg_isready":       {[]string{"--version"}, "PostgreSQL connection readiness check"},
	"pg_ctl":           {[]string{"--version"}, "PostgreSQL server control utility"},
	"pg_basebackup":    {[]string{"--version"}, "PostgreSQL base backup tool"},
	"pg_verifybackup":  {[]string{"--version"}, "Backup validation tool"},
	"pgbackrest":       {[]string{"--version"}, "Backup & restore tool"},
	"patronictl":       {[]string{"version"}, "High-availability manager"},
	"repmgr":           {[]string{"--version"}, "Replication manager"},
}

var versionInPathRe = regexp.MustCompile(`(\d+(?:\.\d+)*)`)

// Registry owns the current snapshot and knows how to rescan.
type Registry struct {
	snapshotPath string
	allowedFn    func() map[string]bool

	mu       sync.RWMutex
	snapshot model.Snapshot

	group singleflight.Group
}

// New creates a Registry that persists its snapshot at snapshotPath.
// allowedFn supplies the current allowlist so discovery only probes
// names the operator has declared safe — it is read lazily at scan
// time, not cached. An empty set disables the filter: every executable
// found in the search directories is probed.
func New(snapshotPath string, allowedFn func() map[string]bool) *Registry {
	return &Registry{snapshotPath: snapshotPath, allowedFn: allowedFn}
}

// Get returns the in-memory snapshot, loading it from disk first if the
// process has not scanned yet.
func (r *Registry) Get(ctx context.Context) model.Snapshot {
	r.mu.RLock()
	if len(r.snapshot.Binaries) > 0 || !r.snapshot.ScannedAt.IsZero() {
		snap := r.snapshot
		r.mu.RUnlock()
		return snap
	}
	r.mu.RUnlock()

	if snap, err := r.loadPersisted(); err == nil {
		r.mu.Lock()
		r.snapshot = snap
		r.mu.Unlock()
		return snap
	}
	return r.Refresh(ctx)
}

// Refresh forces a rescan, deduplicating concurrent callers with a
// singleflight group so a burst of requests during startup triggers one
// filesystem walk, not N.
func (r *Registry) Refresh(ctx context.Context) model.Snapshot {
	v, _, _ := r.group.Do("refresh", func() (any, error) {
		snap := r.scan(ctx)
		r.mu.Lock()
		r.snapshot = snap
		r.mu.Unlock()
		if err := r.persist(snap); err != nil {
			slog.Error("registry.persist_failed", "error", err)
		}
		return snap, nil
	})
	return v.(model.Snapshot)
}

func (r *Registry) loadPersisted() (model.Snapshot, error) {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		return model.Snapshot{}, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

func (r *Registry) persist(snap model.Snapshot) error {
	if r.snapshotPath == "" {
		return nil
	}
	if dir := filepath.Dir(r.snapshotPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.snapshotPath)
}

// scan performs the full discovery algorithm: expand search directories,
// probe each binary found, and resolve name conflicts.
func (r *Registry) scan(ctx context.Context) model.Snapshot {
	allowed := r.allowedFn()

	found := map[string][]string{} // name -> candidate paths, newest dir first
	for _, dir := range expandSearchDirs(searchPaths) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if len(allowed) > 0 && !allowed[name] {
				continue
			}
			path := filepath.Join(dir, name)
			if !isExecutable(path) {
				continue
			}
			if !containsPath(found[name], path) {
				found[name] = append(found[name], path)
			}
		}
	}

	binaries, conflicts := resolveConflicts(found)

	snap := model.Snapshot{
		ScannedAt:    time.Now().UTC(),
		Binaries:     binaries,
		HasConflicts: len(conflicts) > 0,
		Conflicts:    conflicts,
		Capabilities: map[string]any{},
	}

	// Versioned aliases: name-V -> path, for every discovered candidate
	// whose directory encodes a version — including the losing side of a
	// resolved or conflicted name, so a host with both PostgreSQL 13 and
	// 16 installed exposes psql-13 and psql-16 even though only one of
	// them becomes the bare "psql" entry.
	for name, paths := range found {
		for _, path := range paths {
			if v := versionFromPath(path); v != "" {
				alias := fmt.Sprintf("%s-%s", name, v)
				snap.Binaries[alias] = path
			}
		}
	}

	snap.Tools = r.probeMetadata(ctx, binaries)

	if path, ok := binaries["psql"]; ok {
		snap.Capabilities["extensions"] = probeExtensions(ctx, path)
	}

	return snap
}

// expandSearchDirs expands globs, keeps directories only, and sorts by
// extracted version descending so the newest installed version is
// encountered first.
func expandSearchDirs(patterns []string) []string {
	var dirs []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				dirs = append(dirs, m)
			}
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		vi, vj := versionFromPath(dirs[i]), versionFromPath(dirs[j])
		if vi == vj {
			return false
		}
		return compareVersions(vi, vj) > 0
	})
	return dirs
}

func containsPath(paths []string, p string) bool {
	for _, existing := range paths {
		if existing == p {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// resolveConflicts discards generic-bin paths if a specialized path
// survives. A single survivor is accepted outright. Multiple survivors
// with distinct, extractable versions are resolved in favor of the
// newest (eval is already newest-first, inherited from
// expandSearchDirs's descending sort) — this is the common case of two
// PostgreSQL major versions installed side by side. Only survivors that
// can't be disambiguated by version (a tie, or a path with no
// extractable version) mark the name conflicted and exclude it.
func resolveConflicts(found map[string][]string) (map[string]string, map[string][]string) {
	binaries := map[string]string{}
	conflicts := map[string][]string{}

	for name, paths := range found {
		if len(paths) == 1 {
			binaries[name] = paths[0]
			continue
		}
		var specialized []string
		for _, p := range paths {
			if !genericBinDirs[filepath.Dir(p)] {
				specialized = append(specialized, p)
			}
		}
		eval := specialized
		if len(eval) == 0 {
			eval = paths
		}
		switch {
		case len(eval) == 1:
			binaries[name] = eval[0]
		case distinctVersions(eval):
			binaries[name] = eval[0]
		default:
			sorted := append([]string(nil), eval...)
			sort.Strings(sorted)
			conflicts[name] = sorted
		}
	}
	return binaries, conflicts
}

// distinctVersions reports whether every path has a non-empty,
// pairwise-distinct extracted version, meaning the newest one
// (paths[0], by convention) unambiguously resolves the conflict.
func distinctVersions(paths []string) bool {
	seen := map[string]bool{}
	for _, p := range paths {
		v := versionFromPath(p)
		if v == "" || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

func versionFromPath(path string) string {
	ms := versionInPathRe.FindAllStringSubmatch(path, -1)
	if len(ms) == 0 {
		return ""
	}
	return ms[len(ms)-1][1]
}

func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	// Lexical comparison is sufficient for the single-component major
	// versions PostgreSQL install paths use (13, 14, 15, 16, ...).
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	if a < b {
		return -1
	}
	return 1
}
