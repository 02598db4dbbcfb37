package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConflicts_SingleCandidate(t *testing.T) {
	found := map[string][]string{
		"psql": {"/usr/lib/postgresql/16/bin/psql"},
	}
	binaries, conflicts := resolveConflicts(found)
	if binaries["psql"] != "/usr/lib/postgresql/16/bin/psql" {
		t.Fatalf("got %q", binaries["psql"])
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
}

func TestResolveConflicts_PrunesGenericBinDirs(t *testing.T) {
	found := map[string][]string{
		"psql": {"/usr/bin/psql", "/usr/lib/postgresql/16/bin/psql"},
	}
	binaries, conflicts := resolveConflicts(found)
	if binaries["psql"] != "/usr/lib/postgresql/16/bin/psql" {
		t.Fatalf("expected specialized path to win, got %q", binaries["psql"])
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", conflicts)
	}
}

func TestResolveConflicts_MultipleSpecializedWithDistinctVersionsPicksNewest(t *testing.T) {
	// found's candidate order follows expandSearchDirs's descending sort,
	// so the newest version (16) appears first.
	found := map[string][]string{
		"psql": {"/usr/lib/postgresql/16/bin/psql", "/usr/pgsql-15/bin/psql"},
	}
	binaries, conflicts := resolveConflicts(found)
	if binaries["psql"] != "/usr/lib/postgresql/16/bin/psql" {
		t.Fatalf("expected newest-versioned path to win, got %q", binaries["psql"])
	}
	if len(conflicts) != 0 {
		t.Fatalf("two distinctly-versioned specialized paths should not conflict, got %v", conflicts)
	}
}

func TestResolveConflicts_SpecializedWithoutExtractableVersionIsConflict(t *testing.T) {
	found := map[string][]string{
		"psql": {"/usr/lib/postgresql/16/bin/psql", "/opt/pgagent/bin/psql"},
	}
	binaries, conflicts := resolveConflicts(found)
	if _, ok := binaries["psql"]; ok {
		t.Fatalf("conflicted name should be excluded from binaries, got %v", binaries)
	}
	if len(conflicts["psql"]) != 2 {
		t.Fatalf("expected 2-way conflict, got %v", conflicts["psql"])
	}
}

func TestResolveConflicts_SpecializedWithSameVersionIsConflict(t *testing.T) {
	found := map[string][]string{
		"psql": {"/usr/lib/postgresql/16/bin/psql", "/opt/pg16/bin/psql"},
	}
	binaries, conflicts := resolveConflicts(found)
	if _, ok := binaries["psql"]; ok {
		t.Fatalf("conflicted name should be excluded from binaries, got %v", binaries)
	}
	if len(conflicts["psql"]) != 2 {
		t.Fatalf("expected 2-way conflict for a version tie, got %v", conflicts["psql"])
	}
}

func TestVersionFromPath(t *testing.T) {
	cases := map[string]string{
		"/usr/lib/postgresql/16/bin/psql": "16",
		"/usr/pgsql-15/bin/psql":          "15",
		"/usr/local/bin/psql":             "",
	}
	for path, want := range cases {
		if got := versionFromPath(path); got != want {
			t.Errorf("versionFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestExpandSearchDirs_SortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"14", "16", "15"} {
		dir := filepath.Join(root, "pg", v, "bin")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	pattern := filepath.Join(root, "pg", "*", "bin")
	dirs := expandSearchDirs([]string{pattern})
	if len(dirs) != 3 {
		t.Fatalf("expected 3 dirs, got %v", dirs)
	}
	if versionFromPath(dirs[0]) != "16" {
		t.Fatalf("expected newest version first, got order %v", dirs)
	}
}

func TestRegistry_ScanPersistsSnapshot(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fakePsql := filepath.Join(binDir, "psql")
	if err := os.WriteFile(fakePsql, []byte("#!/bin/sh\necho psql (PostgreSQL) 16.2\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	orig := searchPaths
	searchPaths = []string{binDir}
	t.Cleanup(func() { searchPaths = orig })

	snapPath := filepath.Join(root, "snapshot.json")
	reg := New(snapPath, func() map[string]bool { return map[string]bool{"psql": true} })

	snap := reg.Refresh(context.Background())
	if snap.Binaries["psql"] != fakePsql {
		t.Fatalf("expected psql to be discovered, got %+v", snap.Binaries)
	}

	data, err := os.ReadFile(snapPath)
	if err != nil {
		t.Fatalf("expected snapshot to be persisted: %v", err)
	}
	var persisted struct {
		Binaries map[string]string `json:"binaries"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if persisted.Binaries["psql"] != fakePsql {
		t.Fatalf("persisted snapshot missing psql: %+v", persisted)
	}
}
