package sandbox

import (
	"fmt"
	"os"
	"strings"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
)

// Select reads the ".RUNNER" file named by layout.RunnerFile and returns the
// matching Runner implementation. The file must contain exactly one of
// "bubblewrap" or "docker"; its absence is fatal, since there is no safe
// default backend to fall back to.
func Select(layout hostpath.Layout, hostHostname string) (Runner, error) {
	raw, err := os.ReadFile(layout.RunnerFile)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read runner selector %q: %w", layout.RunnerFile, err)
	}

	switch token := strings.TrimSpace(string(raw)); token {
	case "bubblewrap":
		return &NamespaceRunner{Layout: layout, HostHostname: hostHostname}, nil
	case "docker":
		return &ContainerRunner{Layout: layout, HostHostname: hostHostname}, nil
	default:
		return nil, fmt.Errorf("sandbox: unrecognised runner selector %q in %s (want %q or %q)", token, layout.RunnerFile, "bubblewrap", "docker")
	}
}
