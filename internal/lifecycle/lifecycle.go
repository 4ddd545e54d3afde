// Package lifecycle implements the environment-level operations the CLI
// exposes: creating, entering, execing into, resetting, purging, and
// spinning up throwaway environments.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/cubicle-sh/cubicle/internal/buildsched"
	"github.com/cubicle-sh/cubicle/internal/hostpath"
	"github.com/cubicle-sh/cubicle/internal/namegen"
	"github.com/cubicle-sh/cubicle/internal/pkgindex"
	"github.com/cubicle-sh/cubicle/internal/sandbox"
	"github.com/cubicle-sh/cubicle/internal/seedcache"
)

// Engine ties together the package index, seed cache, build scheduler, and
// backing Runner into the operations exposed at the CLI boundary.
type Engine struct {
	Index     *pkgindex.Index
	Cache     *seedcache.Cache
	Scheduler *buildsched.Scheduler
	Runner    sandbox.Runner
	Layout    hostpath.Layout
	Debugf    sandbox.Debugf
}

func (e *Engine) homeDir(name string) string { return filepath.Join(e.Layout.HomeRoot, name) }
func (e *Engine) workDir(name string) string { return filepath.Join(e.Layout.WorkRoot, name) }

func (e *Engine) exists(name string) (home, work bool) {
	_, homeErr := os.Stat(e.homeDir(name))
	_, workErr := os.Stat(e.workDir(name))

	return homeErr == nil, workErr == nil
}

// New creates environment name with the given package set, failing if
// either of its paired directories already exists.
func (e *Engine) New(ctx context.Context, name string, packages map[string]bool) error {
	home, work := e.exists(name)
	if home || work {
		return fmt.Errorf("lifecycle: environment %q already exists", name)
	}

	if err := e.Scheduler.Update(ctx, packages); err != nil {
		return fmt.Errorf("lifecycle: build dependencies for %q: %w", name, err)
	}

	workDir := e.workDir(name)
	if err := hostpath.EnsureDir(workDir); err != nil {
		return fmt.Errorf("lifecycle: create work dir for %q: %w", name, err)
	}

	if err := writePackagesFile(workDir, packages); err != nil {
		return fmt.Errorf("lifecycle: write packages.txt for %q: %w", name, err)
	}

	seeds, err := e.runSeeds(packages)
	if err != nil {
		return err
	}

	return e.Runner.Run(ctx, sandbox.RunRequest{
		Name:     name,
		HostHome: e.homeDir(name),
		HostWork: workDir,
		Seeds:    seeds,
		Init:     e.Layout.DevInit,
		Debugf:   e.Debugf,
	})
}

// Enter runs an interactive shell inside name's environment.
func (e *Engine) Enter(ctx context.Context, name string) error {
	if _, work := e.exists(name); !work {
		return fmt.Errorf("lifecycle: environment %q does not exist", name)
	}

	return e.Runner.Run(ctx, sandbox.RunRequest{
		Name:     name,
		HostHome: e.homeDir(name),
		HostWork: e.workDir(name),
		Debugf:   e.Debugf,
	})
}

// Exec runs command (plus args) inside name's environment.
func (e *Engine) Exec(ctx context.Context, name string, command string, args []string) error {
	if _, work := e.exists(name); !work {
		return fmt.Errorf("lifecycle: environment %q does not exist", name)
	}

	return e.Runner.Run(ctx, sandbox.RunRequest{
		Name:     name,
		HostHome: e.homeDir(name),
		HostWork: e.workDir(name),
		Exec:     append([]string{command}, args...),
		Debugf:   e.Debugf,
	})
}

// Reset kills name's running sandbox, discards its disposable home, and
// (unless clean is set) re-initialises it with either the caller-supplied
// package set or the one recorded in packages.txt.
//
// If name is a scheduler-internal backing environment ("package-<key>"),
// resetting it additionally pulls in <key>'s own dependencies and forces a
// rebuild of <key> after the scheduler pass — the whole point of resetting
// that environment is to get a clean rebuild of the package it backs.
func (e *Engine) Reset(ctx context.Context, name string, packages map[string]bool, clean bool) error {
	if _, work := e.exists(name); !work {
		return fmt.Errorf("lifecycle: environment %q does not exist", name)
	}

	if err := e.Runner.Kill(name); err != nil {
		return fmt.Errorf("lifecycle: kill %q: %w", name, err)
	}

	if err := hostpath.RemoveAllTolerant(e.homeDir(name)); err != nil {
		return fmt.Errorf("lifecycle: remove home dir for %q: %w", name, err)
	}

	if clean {
		return nil
	}

	resolved := packages
	if resolved == nil {
		read, err := readPackagesFile(e.workDir(name))
		if err != nil {
			return err
		}

		resolved = read
	}

	var forceRebuild string

	if key, ok := backingPackageKey(name); ok {
		if p, found := e.Index.Get(key); found {
			resolved = unionInto(resolved, p.Depends, p.BuildDepends)
			forceRebuild = key
		}
	}

	if err := e.Scheduler.Update(ctx, resolved); err != nil {
		return fmt.Errorf("lifecycle: build dependencies for %q: %w", name, err)
	}

	if forceRebuild != "" {
		if p, found := e.Index.Get(forceRebuild); found {
			if err := e.Scheduler.ForceUpdate(ctx, p); err != nil {
				return fmt.Errorf("lifecycle: force rebuild of %q: %w", forceRebuild, err)
			}
		}
	}

	if err := writePackagesFile(e.workDir(name), resolved); err != nil {
		return fmt.Errorf("lifecycle: write packages.txt for %q: %w", name, err)
	}

	seeds, err := e.runSeeds(resolved)
	if err != nil {
		return err
	}

	return e.Runner.Run(ctx, sandbox.RunRequest{
		Name:     name,
		HostHome: e.homeDir(name),
		HostWork: e.workDir(name),
		Seeds:    seeds,
		Init:     e.Layout.DevInit,
		Debugf:   e.Debugf,
	})
}

// backingPackageKey reports whether name is a scheduler-internal backing
// environment ("package-<key>") and, if so, returns key.
func backingPackageKey(name string) (string, bool) {
	const prefix = "package-"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}

	return strings.TrimPrefix(name, prefix), true
}

// Purge removes each named environment's paired directories, tolerating
// environments that do not exist (warned, not fatal) so a batch purge
// can't be aborted by one typo.
func (e *Engine) Purge(names []string, warnf func(format string, args ...any)) error {
	for _, name := range names {
		home, work := e.exists(name)
		if !home && !work {
			if warnf != nil {
				warnf("lifecycle: %q does not exist, skipping", name)
			}

			continue
		}

		if err := e.Runner.Kill(name); err != nil {
			return fmt.Errorf("lifecycle: kill %q: %w", name, err)
		}

		if err := hostpath.RemoveAllTolerant(e.homeDir(name)); err != nil {
			return fmt.Errorf("lifecycle: remove home dir for %q: %w", name, err)
		}

		if err := hostpath.RemoveAllTolerant(e.workDir(name)); err != nil {
			return fmt.Errorf("lifecycle: remove work dir for %q: %w", name, err)
		}
	}

	return nil
}

// Tmp creates and enters a throwaway environment under a name drawn from
// gen, using the first candidate whose paired directories do not already
// exist.
func (e *Engine) Tmp(ctx context.Context, gen namegen.Generator, packages map[string]bool) error {
	for name := range gen.Names() {
		home, work := e.exists(name)
		if home || work {
			continue
		}

		if err := e.New(ctx, name, packages); err != nil {
			return err
		}

		return e.Enter(ctx, name)
	}

	return fmt.Errorf("lifecycle: name generator was exhausted without finding a free name")
}

// runSeeds resolves the ordered list of published seed archives for a
// package set. The run-transitive closure is computed first (build deps
// excluded) so a package pulled in only indirectly still gets its seed
// bound into the environment.
func (e *Engine) runSeeds(packages map[string]bool) ([]string, error) {
	requested := make([]string, 0, len(packages))
	for n := range packages {
		requested = append(requested, n)
	}

	closure := e.Index.TransitiveDepends(requested, false)

	names := make([]string, 0, len(closure))
	for n := range closure {
		names = append(names, n)
	}

	sort.Strings(names)

	seeds := make([]string, 0, len(names))

	for _, name := range names {
		path := e.Cache.Published(name)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		seeds = append(seeds, path)
	}

	return seeds, nil
}

func unionInto(base map[string]bool, sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool, len(base))
	for k := range base {
		out[k] = true
	}

	for _, s := range sets {
		for k := range s {
			out[k] = true
		}
	}

	return out
}

// writePackagesFile atomically writes the sorted package set to
// workDir/packages.txt.
func writePackagesFile(workDir string, packages map[string]bool) error {
	names := make([]string, 0, len(packages))
	for n := range packages {
		names = append(names, n)
	}

	sort.Strings(names)

	content := strings.Join(names, "\n")
	if len(names) > 0 {
		content += "\n"
	}

	return renameio.WriteFile(filepath.Join(workDir, "packages.txt"), []byte(content), 0o644)
}

// readPackagesFile reads workDir/packages.txt, refusing to follow a symlink
// there, and returns an empty set if the file is absent.
func readPackagesFile(workDir string) (map[string]bool, error) {
	f, err := hostpath.OpenNoFollow(filepath.Join(workDir, "packages.txt"), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}

		return nil, fmt.Errorf("lifecycle: read packages.txt: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: read packages.txt: %w", err)
	}

	out := make(map[string]bool)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out[line] = true
		}
	}

	return out, nil
}
