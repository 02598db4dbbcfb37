package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

type fakeResolver map[string]string

func (f fakeResolver) Resolve(name string) (string, bool) {
	path, ok := f[name]
	return path, ok
}

type recordingStore struct {
	records []model.AuditRecord
}

func (r *recordingStore) Init(ctx context.Context) error { return nil }
func (r *recordingStore) Log(ctx context.Context, rec model.AuditRecord) {
	r.records = append(r.records, rec)
}
func (r *recordingStore) Last(ctx context.Context, n int) ([]model.AuditRecord, error) {
	return r.records, nil
}
func (r *recordingStore) Close() error { return nil }

func newTestAllowlist(t *testing.T, allowed []string) *allowlist.Allowlist {
	t.Helper()
	path := filepath.Join(t.TempDir(), "allowed_tools.json")
	data, _ := json.Marshal(map[string][]string{"allowed_tools": allowed})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return allowlist.New(path)
}

func writeFakeBinary(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	return path
}

func TestSandbox_Run_RejectsDisallowedTool(t *testing.T) {
	al := newTestAllowlist(t, []string{"psql"})
	store := &recordingStore{}
	sb := &Sandbox{Allowlist: al, Resolver: fakeResolver{}, Audit: store, Enabled: func() bool { return false }}

	res := sb.Run(context.Background(), "rm -rf /")
	if res.ExitCode != -1 || res.CommandExecuted != model.RejectedByAllowlist {
		t.Fatalf("expected allowlist rejection, got %+v", res)
	}
	if len(store.records) != 1 || store.records[0].ExecutedCommand != model.RejectedByAllowlist {
		t.Fatalf("expected one audit record, got %+v", store.records)
	}
}

func TestSandbox_Run_RejectsUnsafePattern(t *testing.T) {
	al := newTestAllowlist(t, []string{"psql"})
	sb := &Sandbox{Allowlist: al, Resolver: fakeResolver{}, Audit: &recordingStore{}, Enabled: func() bool { return false }}

	res := sb.Run(context.Background(), "psql -c 'select 1'; rm -rf /")
	if res.CommandExecuted != model.RejectedBySafety {
		t.Fatalf("expected safety rejection, got %+v", res)
	}
}

func TestSandbox_Run_ExecutesAllowedCommand(t *testing.T) {
	bin := writeFakeBinary(t, "psql", "echo hello-from-psql")
	al := newTestAllowlist(t, []string{"psql"})
	store := &recordingStore{}
	sb := &Sandbox{
		Allowlist: al,
		Resolver:  fakeResolver{"psql": bin},
		Audit:     store,
		Enabled:   func() bool { return false },
	}

	res := sb.Run(context.Background(), "psql --version")
	if res.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Stdout != "hello-from-psql\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if len(store.records) != 1 || store.records[0].ExitCode != 0 {
		t.Fatalf("expected successful audit record, got %+v", store.records)
	}
}

func TestSandbox_Run_UnresolvedToolFails(t *testing.T) {
	al := newTestAllowlist(t, []string{"psql"})
	sb := &Sandbox{Allowlist: al, Resolver: fakeResolver{}, Audit: &recordingStore{}, Enabled: func() bool { return false }}

	res := sb.Run(context.Background(), "psql --version")
	if res.ExitCode != -1 {
		t.Fatalf("expected failure for unresolved tool, got %+v", res)
	}
}

func TestSandbox_Run_TimeoutYieldsExitCode124(t *testing.T) {
	bin := writeFakeBinary(t, "psql", "sleep 2")
	al := newTestAllowlist(t, []string{"psql"})
	sb := &Sandbox{Allowlist: al, Resolver: fakeResolver{"psql": bin}, Audit: &recordingStore{}, Enabled: func() bool { return false }}

	orig := StepTimeout
	StepTimeout = 50 * time.Millisecond
	defer func() { StepTimeout = orig }()

	res := sb.Run(context.Background(), "psql --version")
	if res.ExitCode != 124 {
		t.Fatalf("expected exit code 124 on timeout, got %+v", res)
	}
}

func TestBuildBwrapCommand(t *testing.T) {
	cmd, err := buildBwrapCommand("/usr/bin/psql", []string{"/usr/bin/psql", "--version"})
	if err != nil {
		t.Fatalf("buildBwrapCommand: %v", err)
	}
	if cmd[0] != "bwrap" {
		t.Fatalf("expected bwrap as the invoked binary, got %q", cmd[0])
	}
	if cmd[len(cmd)-2] != "/usr/bin/psql" || cmd[len(cmd)-1] != "--version" {
		t.Fatalf("expected argv to be appended last, got %v", cmd)
	}
}

func TestBuildBwrapCommand_BindsResolvedBinaryDir(t *testing.T) {
	bin := writeFakeBinary(t, "patronictl", "echo ok")

	cmd, err := buildBwrapCommand(bin, []string{bin, "list"})
	if err != nil {
		t.Fatalf("buildBwrapCommand: %v", err)
	}
	if !containsBindOf(cmd, filepath.Dir(bin)) {
		t.Fatalf("expected a --ro-bind of the resolved binary's directory %q, got %v", filepath.Dir(bin), cmd)
	}
}

func TestBuildBwrapCommand_BindsPostgresSocketDirWhenPresent(t *testing.T) {
	orig := postgresSocketDirs
	socketDir := t.TempDir()
	postgresSocketDirs = []string{socketDir}
	t.Cleanup(func() { postgresSocketDirs = orig })

	cmd, err := buildBwrapCommand("/usr/bin/psql", []string{"/usr/bin/psql", "--version"})
	if err != nil {
		t.Fatalf("buildBwrapCommand: %v", err)
	}
	if !containsBindOf(cmd, socketDir) {
		t.Fatalf("expected a --ro-bind of the postgres socket dir %q, got %v", socketDir, cmd)
	}
}

func TestBuildBwrapCommand_SkipsMissingPostgresSocketDir(t *testing.T) {
	orig := postgresSocketDirs
	postgresSocketDirs = []string{filepath.Join(t.TempDir(), "does-not-exist")}
	t.Cleanup(func() { postgresSocketDirs = orig })

	cmd, err := buildBwrapCommand("/usr/bin/psql", []string{"/usr/bin/psql", "--version"})
	if err != nil {
		t.Fatalf("buildBwrapCommand: %v", err)
	}
	if containsBindOf(cmd, postgresSocketDirs[0]) {
		t.Fatalf("did not expect a bind of a nonexistent socket dir, got %v", cmd)
	}
}

func containsBindOf(cmd []string, dir string) bool {
	for i, arg := range cmd {
		if arg == "--ro-bind" && i+1 < len(cmd) && cmd[i+1] == dir {
			return true
		}
	}
	return false
}
