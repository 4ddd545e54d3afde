// Package buildsched schedules package builds in dependency order, deciding
// per package whether its cached seed is still fresh or needs to be rebuilt
// and (optionally) retested before being promoted into the seed cache.
package buildsched

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
	"github.com/cubicle-sh/cubicle/internal/pkgindex"
	"github.com/cubicle-sh/cubicle/internal/sandbox"
	"github.com/cubicle-sh/cubicle/internal/seedcache"
)

// freshWindow is how long a built seed is trusted without re-examining its
// source tree.
const freshWindow = 12 * time.Hour

// Scheduler builds and tests packages, keeping PACKAGE_CACHE up to date.
type Scheduler struct {
	Index     *pkgindex.Index
	Cache     *seedcache.Cache
	Runner    sandbox.Runner
	Layout    hostpath.Layout
	DiskUsage interface {
		Probe(path string) (hostpath.Result, error)
	}
	Debugf sandbox.Debugf
}

// New constructs a Scheduler with the production disk-usage probe wired in.
func New(index *pkgindex.Index, cache *seedcache.Cache, runner sandbox.Runner, layout hostpath.Layout, debugf sandbox.Debugf) *Scheduler {
	return &Scheduler{
		Index:     index,
		Cache:     cache,
		Runner:    runner,
		Layout:    layout,
		DiskUsage: hostpath.DiskUsageProbe{},
		Debugf:    debugf,
	}
}

// Update builds (or confirms freshness of) every package reachable from
// requested, processing the dependency graph in topological passes so that,
// when a package builds, everything it may consume is already current.
func (s *Scheduler) Update(ctx context.Context, requested map[string]bool) error {
	names := make([]string, 0, len(requested))
	for name := range requested {
		names = append(names, name)
	}

	todoSet := s.Index.TransitiveDepends(names, true)

	todo := make([]string, 0, len(todoSet))
	for name := range todoSet {
		todo = append(todo, name)
	}

	sort.Strings(todo)

	done := make(map[string]bool, len(todo))

	for len(todo) > 0 {
		var remaining []string

		progressed := false

		for _, name := range todo {
			p, ok := s.Index.Get(name)
			if !ok {
				// "auto" is the one name allowed to resolve to no package; it has
				// nothing to build, so it is immediately satisfied.
				if name == "auto" {
					done[name] = true
					progressed = true

					continue
				}

				// Any other unknown name can never be satisfied; it stays in
				// remaining and trips the no-progress check below.
				remaining = append(remaining, name)

				continue
			}

			if satisfied(p.Depends, done) && satisfied(p.BuildDepends, done) {
				if err := s.maybeUpdate(ctx, p); err != nil {
					return fmt.Errorf("buildsched: update %q: %w", name, err)
				}

				done[name] = true
				progressed = true

				continue
			}

			remaining = append(remaining, name)
		}

		if !progressed {
			return fmt.Errorf("buildsched: unsatisfiable dependencies among %v", remaining)
		}

		todo = remaining
	}

	return nil
}

func satisfied(deps map[string]bool, done map[string]bool) bool {
	for d := range deps {
		if !done[d] {
			return false
		}
	}

	return true
}

// ForceUpdate rebuilds p unconditionally, skipping the freshness check.
// internal/lifecycle uses this for `reset` against a package's own backing
// environment, where the point of the reset is precisely to force a rebuild.
func (s *Scheduler) ForceUpdate(ctx context.Context, p *pkgindex.Package) error {
	if p.Update == "" {
		return nil
	}

	return s.update(ctx, p)
}

// maybeUpdate decides whether p's cached seed is fresh, calling update only
// when it is not.
func (s *Scheduler) maybeUpdate(ctx context.Context, p *pkgindex.Package) error {
	workDir := filepath.Join(s.Layout.WorkRoot, "package-"+p.Name)
	if err := hostpath.EnsureDir(workDir); err != nil {
		return err
	}

	if p.Update == "" {
		return nil
	}

	fresh, err := s.isFresh(p)
	if err != nil {
		return err
	}

	if fresh {
		return nil
	}

	return s.update(ctx, p)
}

func (s *Scheduler) isFresh(p *pkgindex.Package) (bool, error) {
	built, err := s.Cache.LastBuilt(p.Name)
	if err != nil {
		return false, err
	}

	if built.IsZero() {
		return false, nil
	}

	du, err := s.DiskUsage.Probe(p.Dir)
	if err != nil {
		return false, fmt.Errorf("probe source tree of %q: %w", p.Name, err)
	}

	if !du.Mtime.Before(built) {
		return false, nil
	}

	if time.Since(built) >= freshWindow {
		return false, nil
	}

	for dep := range union(p.Depends, p.BuildDepends) {
		depBuilt, err := s.Cache.LastBuilt(dep)
		if err != nil {
			return false, err
		}

		if !depBuilt.IsZero() && !depBuilt.Before(built) {
			return false, nil
		}
	}

	return true, nil
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}

	for k := range b {
		out[k] = true
	}

	return out
}

// update rebuilds p, running its test (if present) before promoting the
// result into the seed cache.
func (s *Scheduler) update(ctx context.Context, p *pkgindex.Package) error {
	s.Debugf.logf("buildsched: updating package %s", p.Name)

	workDir := filepath.Join(s.Layout.WorkRoot, "package-"+p.Name)
	homeDir := filepath.Join(s.Layout.HomeRoot, "package-"+p.Name)

	buildTar, err := archivePackageDir(p.Dir, "package-"+p.Name, nil)
	if err != nil {
		return fmt.Errorf("archive %q: %w", p.Name, err)
	}
	defer func() { _ = os.Remove(buildTar) }()

	seeds, err := s.runSeeds(union(p.Depends, p.BuildDepends))
	if err != nil {
		return err
	}

	seeds = append(seeds, buildTar)

	runErr := s.Runner.Run(ctx, sandbox.RunRequest{
		Name:     "package-" + p.Name,
		HostHome: homeDir,
		HostWork: workDir,
		Seeds:    seeds,
		Init:     s.Layout.DevInit,
		Debugf:   s.Debugf,
	})
	if runErr != nil {
		return s.keepStaleOrFail(p.Name, fmt.Errorf("build %q: %w", p.Name, runErr))
	}

	toTesting := p.Test != ""

	if err := s.Cache.CopyProvidesNoFollow(homeDir, p.Name, toTesting); err != nil {
		return s.keepStaleOrFail(p.Name, fmt.Errorf("collect build output of %q: %w", p.Name, err))
	}

	if p.Test == "" {
		return nil
	}

	return s.runTest(ctx, p)
}

func (s *Scheduler) runTest(ctx context.Context, p *pkgindex.Package) error {
	testWorkDir := filepath.Join(s.Layout.WorkRoot, "test-package-"+p.Name)
	testHomeDir := filepath.Join(s.Layout.HomeRoot, "test-package-"+p.Name)

	if err := hostpath.RemoveAllTolerant(testWorkDir); err != nil {
		return err
	}

	if err := hostpath.RemoveAllTolerant(testHomeDir); err != nil {
		return err
	}

	if err := hostpath.EnsureDir(testWorkDir); err != nil {
		return err
	}

	testTar, err := archivePackageDir(p.Dir, "test-package-"+p.Name, []string{"./update.sh"})
	if err != nil {
		return fmt.Errorf("archive test of %q: %w", p.Name, err)
	}
	defer func() { _ = os.Remove(testTar) }()

	seeds, err := s.runSeeds(p.Depends)
	if err != nil {
		return err
	}

	seeds = append(seeds, testTar, s.Cache.Candidate(p.Name))

	runErr := s.Runner.Run(ctx, sandbox.RunRequest{
		Name:     "test-package-" + p.Name,
		HostHome: testHomeDir,
		HostWork: testWorkDir,
		Seeds:    seeds,
		Init:     s.Layout.DevInit,
		Exec:     []string{"./test.sh"},
		Debugf:   s.Debugf,
	})
	if runErr != nil {
		if discardErr := s.Cache.DiscardCandidate(p.Name); discardErr != nil {
			return fmt.Errorf("test %q failed (%w) and discarding candidate also failed: %v", p.Name, runErr, discardErr)
		}

		return s.keepStaleOrFail(p.Name, fmt.Errorf("test %q: %w", p.Name, runErr))
	}

	if err := hostpath.RemoveAllTolerant(testWorkDir); err != nil {
		return err
	}

	if err := hostpath.RemoveAllTolerant(testHomeDir); err != nil {
		return err
	}

	return s.Cache.Promote(p.Name)
}

// keepStaleOrFail implements the partial-failure tolerance rule: if a
// previous published archive exists, warn and keep it; otherwise the error
// propagates and the package has no usable seed at all.
func (s *Scheduler) keepStaleOrFail(name string, cause error) error {
	built, err := s.Cache.LastBuilt(name)
	if err == nil && !built.IsZero() {
		s.Debugf.logf("buildsched: keeping stale seed for %q after failure: %v", name, cause)

		return nil
	}

	return cause
}

// runSeeds resolves the ordered list of published seed archives a set of
// package names needs. The run-transitive closure is computed first (build
// deps excluded) so a dependency reached only indirectly — e.g.
// cargo-project depends on rust which depends on libc — still gets its seed
// bound into the sandbox, not just the directly requested names.
func (s *Scheduler) runSeeds(names map[string]bool) ([]string, error) {
	requested := make([]string, 0, len(names))
	for n := range names {
		requested = append(requested, n)
	}

	closure := s.Index.TransitiveDepends(requested, false)

	order := make([]string, 0, len(closure))
	for n := range closure {
		order = append(order, n)
	}

	sort.Strings(order)

	seeds := make([]string, 0, len(order))

	for _, name := range order {
		path := s.Cache.Published(name)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		seeds = append(seeds, path)
	}

	return seeds, nil
}

// archivePackageDir tars srcDir's contents re-rooted under ./destRoot/,
// excluding any path in exclude, by shelling out to tar rather than
// reimplementing archive creation: tar's handling of permissions, special
// files, and sparse regions is exactly what a sandboxed build expects to
// see on extraction.
func archivePackageDir(srcDir, destRoot string, exclude []string) (string, error) {
	out, err := os.CreateTemp("", "cubicle-build-*.tar")
	if err != nil {
		return "", fmt.Errorf("create archive temp file: %w", err)
	}

	path := out.Name()
	_ = out.Close()

	args := []string{
		"--create",
		"--file", path,
		"--transform", "s,^\\.,./" + destRoot + ",",
		"-C", srcDir,
	}

	for _, e := range exclude {
		args = append(args, "--exclude", e)
	}

	args = append(args, ".")

	cmd := exec.Command("tar", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(path)

		return "", fmt.Errorf("tar: %w: %s", err, out)
	}

	return path, nil
}
