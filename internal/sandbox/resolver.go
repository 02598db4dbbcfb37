package sandbox

import (
	"context"
	"os/exec"

	"github.com/nextlevelbuilder/pgagent/internal/registry"
)

// RegistryResolver prefers the registry's scanned binaries and falls
// back to PATH lookup, so a tool discovered under a versioned
// PostgreSQL install directory is used instead of a same-named binary
// that happens to be first on PATH.
type RegistryResolver struct {
	Registry *registry.Registry
}

func (r RegistryResolver) Resolve(name string) (string, bool) {
	snap := r.Registry.Get(context.Background())
	if path, ok := snap.Binaries[name]; ok {
		return path, true
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}
