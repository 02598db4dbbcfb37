// Package sandbox wraps tool execution with the allowlist and safety
// checks, then runs the command either directly or inside a bubblewrap
// namespace jail.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/pgagent/internal/allowlist"
	"github.com/nextlevelbuilder/pgagent/internal/audit"
	"github.com/nextlevelbuilder/pgagent/internal/safety"
	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// StepTimeout bounds a single command's execution. It is a var, not a
// const, so tests can shrink it without waiting out the real 45s bound.
var StepTimeout = 45 * time.Second

// bwrapROBinds are the read-only host directories bound into the jail.
var bwrapROBinds = []string{"/usr", "/bin", "/lib", "/lib64", "/etc"}

// postgresSocketDirs are the well-known locations of the PostgreSQL
// Unix socket, checked in order; the first one present on the host is
// bound read-only so psql/pg_isready can reach the local server
// without a TCP connection. /tmp is deliberately excluded — it's
// already remounted as a fresh, empty tmpfs inside the jail.
var postgresSocketDirs = []string{"/var/run/postgresql", "/run/postgresql"}

// Resolver looks a tool's base name up to an absolute path.
// RegistryResolver consults the registry first and falls back to PATH;
// PathResolver uses PATH only.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// PathResolver resolves names with exec.LookPath only, used when no
// registry snapshot is available.
type PathResolver struct{}

func (PathResolver) Resolve(name string) (string, bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// Sandbox ties the allowlist, safety filter, binary resolver, namespace
// jail, and audit trail into a single run(command) → result pipeline.
type Sandbox struct {
	Allowlist *allowlist.Allowlist
	Resolver  Resolver
	Audit     audit.Store

	// Enabled toggles the bubblewrap namespace jail, mirroring the
	// AGENT_SANDBOX environment switch so operators can disable it in
	// environments without bwrap (e.g. inside another container
	// without nested user namespaces).
	Enabled func() bool
}

// New builds a Sandbox with bwrap enabled unless AGENT_SANDBOX=0.
func New(al *allowlist.Allowlist, resolver Resolver, store audit.Store) *Sandbox {
	return &Sandbox{
		Allowlist: al,
		Resolver:  resolver,
		Audit:     store,
		Enabled:   func() bool { return os.Getenv("AGENT_SANDBOX") != "0" },
	}
}

// Run executes commandString end to end: allowlist check, safety check,
// resolution, sandboxed execution, and audit logging. It never returns
// a Go error for policy rejections or command failures — those are
// reported in the ExecResult; a malformed empty command simply yields a
// failed ExecResult like any other rejection.
func (s *Sandbox) Run(ctx context.Context, commandString string) model.ExecResult {
	trimmed := strings.TrimSpace(commandString)
	if trimmed == "" {
		res := model.ExecResult{Stderr: "empty command", ExitCode: -1}
		s.logResult(ctx, commandString, model.RejectedBySafety, res)
		return res
	}

	if ok, reason := s.Allowlist.Check(trimmed); !ok {
		res := model.ExecResult{Stderr: reason, ExitCode: -1, CommandExecuted: model.RejectedByAllowlist}
		s.logResult(ctx, trimmed, model.RejectedByAllowlist, res)
		return res
	}

	if ok, reason := safety.Check(trimmed); !ok {
		res := model.ExecResult{Stderr: reason, ExitCode: -1, CommandExecuted: model.RejectedBySafety}
		s.logResult(ctx, trimmed, model.RejectedBySafety, res)
		return res
	}

	fields := strings.Fields(trimmed)
	toolName := filepath.Base(fields[0])
	resolved, ok := s.Resolver.Resolve(toolName)
	if !ok {
		res := model.ExecResult{Stderr: fmt.Sprintf("tool '%s' not found", toolName), ExitCode: -1}
		s.logResult(ctx, trimmed, "NOT_FOUND", res)
		return res
	}

	argv := append([]string{resolved}, fields[1:]...)

	var cmd []string
	if s.Enabled() {
		var err error
		cmd, err = buildBwrapCommand(resolved, argv)
		if err != nil {
			res := model.ExecResult{Stderr: err.Error(), ExitCode: -1}
			s.logResult(ctx, trimmed, "SANDBOX_BUILD_FAILED", res)
			return res
		}
	} else {
		cmd = argv
	}

	res := s.execute(ctx, cmd)
	s.logResult(ctx, trimmed, res.CommandExecuted, res)
	return res
}

func (s *Sandbox) execute(ctx context.Context, cmd []string) model.ExecResult {
	execCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	c := exec.CommandContext(execCtx, cmd[0], cmd[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := model.ExecResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		CommandExecuted: strings.Join(cmd, " "),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = 124
		if result.Stderr == "" {
			result.Stderr = fmt.Sprintf("command timed out after %s", StepTimeout)
		}
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	default:
		result.ExitCode = 0
	}
	return result
}

// buildBwrapCommand wraps argv in a bubblewrap invocation that unshares
// every namespace, binds the host's read-only system directories plus
// the resolved binary's own directory and the PostgreSQL socket
// directory (if present), and gives the process a fresh /tmp, /proc,
// and /dev. resolvedBinary is argv[0], the absolute path the registry
// or PATH lookup resolved the tool to.
func buildBwrapCommand(resolvedBinary string, argv []string) ([]string, error) {
	cmd := []string{
		"bwrap",
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	roBinds := append([]string(nil), bwrapROBinds...)
	if binDir := filepath.Dir(resolvedBinary); !containsDir(roBinds, binDir) {
		roBinds = append(roBinds, binDir)
	}
	for _, dir := range roBinds {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		cmd = append(cmd, "--ro-bind", dir, dir)
	}

	for _, dir := range postgresSocketDirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		cmd = append(cmd, "--ro-bind", dir, dir)
		break
	}

	cmd = append(cmd, argv...)
	return cmd, nil
}

func containsDir(dirs []string, dir string) bool {
	for _, d := range dirs {
		if d == dir {
			return true
		}
	}
	return false
}

func (s *Sandbox) logResult(ctx context.Context, command, executed string, res model.ExecResult) {
	if s.Audit == nil {
		return
	}
	if executed == "" {
		executed = res.CommandExecuted
	}
	s.Audit.Log(ctx, model.AuditRecord{
		Command:         command,
		ExecutedCommand: executed,
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
	})
}
