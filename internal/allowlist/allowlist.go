// Package allowlist implements the tool base-name allowlist: a set of
// permitted tool names reread from disk on every check so operators
// can edit it without restarting the agent.
package allowlist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultAllowed is used when the declaration file is missing, matching
// a minimal fallback set of administrative tools.
var DefaultAllowed = []string{"psql", "pg_dump", "patronictl"}

type declaration struct {
	AllowedTools []string `json:"allowed_tools"`
}

// Allowlist loads its membership set from path on every Check call. A
// background fsnotify watcher logs edits promptly; it never caches the
// result on the request path, since admission decisions must reflect
// the file's current contents immediately.
type Allowlist struct {
	path string

	mu       sync.Mutex
	watching bool
	watcher  *fsnotify.Watcher
}

// New creates an allowlist bound to the given declaration file. The file
// need not exist yet.
func New(path string) *Allowlist {
	return &Allowlist{path: path}
}

// WatchForLogging starts a best-effort fsnotify watcher that only logs
// edits; Check() always rereads the file regardless, so a missed event
// never causes stale admission decisions.
func (a *Allowlist) WatchForLogging() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watching {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("allowlist.watch_failed", "error", err)
		return
	}
	dir := filepath.Dir(a.path)
	if err := w.Add(dir); err != nil {
		slog.Warn("allowlist.watch_failed", "dir", dir, "error", err)
		w.Close()
		return
	}
	a.watcher = w
	a.watching = true
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(a.path) {
					slog.Info("allowlist.file_changed", "op", ev.Op.String())
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("allowlist.watch_error", "error", err)
			}
		}
	}()
}

// Close stops the background watcher, if any.
func (a *Allowlist) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watcher != nil {
		return a.watcher.Close()
	}
	return nil
}

// Load rereads the declaration file and returns the current allowed set.
func (a *Allowlist) Load() map[string]bool {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("allowlist.load_failed", "path", a.path, "error", err)
		}
		return setOf(DefaultAllowed)
	}
	var decl declaration
	if err := json.Unmarshal(data, &decl); err != nil {
		slog.Error("allowlist.parse_failed", "path", a.path, "error", err)
		return map[string]bool{}
	}
	return setOf(decl.AllowedTools)
}

// ExtractToolName returns the basename of the leading token of a command
// string — the semantics admission checks against.
func ExtractToolName(commandOrPath string) string {
	trimmed := strings.TrimSpace(commandOrPath)
	if trimmed == "" {
		return ""
	}
	fields := strings.Fields(trimmed)
	return filepath.Base(fields[0])
}

// Check reports whether command's leading tool is in the allowed set,
// and if not, a human-readable rejection reason.
func (a *Allowlist) Check(command string) (bool, string) {
	allowed := a.Load()
	name := ExtractToolName(command)
	if allowed[name] {
		return true, ""
	}
	return false, fmt.Sprintf("tool '%s' not allowed", name)
}

func setOf(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}
