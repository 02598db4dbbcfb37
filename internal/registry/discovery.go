package registry

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

const probeTimeout = 5 * time.Second

// probeMetadata runs `<binary> --version` (or the tool's declared probe
// args) for every resolved binary concurrently, bounded by an errgroup
// so a hung binary cannot stall the whole scan.
func (r *Registry) probeMetadata(ctx context.Context, binaries map[string]string) []model.ToolEntry {
	names := make([]string, 0, len(binaries))
	for name := range binaries {
		names = append(names, name)
	}

	entries := make([]model.ToolEntry, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, name := range names {
		i, name := i, name
		path := binaries[name]
		g.Go(func() error {
			entries[i] = probeOne(gctx, name, path)
			return nil
		})
	}
	_ = g.Wait()

	return entries
}

func probeOne(ctx context.Context, name, path string) model.ToolEntry {
	entry := model.ToolEntry{Name: name, AbsolutePath: path, VersionString: "unknown"}

	meta, known := knownToolMetadata[name]
	args := []string{"--version"}
	if known {
		args = meta.probeArgs
		entry.Description = meta.description
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		if line := firstLine(out.String()); line != "" {
			entry.VersionString = line
		}
	}
	return entry
}

func firstLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// probeExtensions asks psql which extensions are available on the
// target server.
// Failure (no reachable server, no credentials) yields an empty slice,
// never an error — discovery must not depend on connectivity.
func probeExtensions(ctx context.Context, psqlPath string) []string {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(pctx, psqlPath, "-Atqc", "SELECT name FROM pg_available_extensions ORDER BY name;")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}

	var exts []string
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			exts = append(exts, line)
		}
	}
	return exts
}
