package lifecycle

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/cubicle-sh/cubicle/internal/buildsched"
	"github.com/cubicle-sh/cubicle/internal/hostpath"
	"github.com/cubicle-sh/cubicle/internal/pkgindex"
	"github.com/cubicle-sh/cubicle/internal/sandbox"
	"github.com/cubicle-sh/cubicle/internal/seedcache"
)

type fakeRunner struct {
	calls  []sandbox.RunRequest
	killed []string
}

func (f *fakeRunner) Kill(name string) error {
	f.killed = append(f.killed, name)

	return nil
}

func (f *fakeRunner) Run(ctx context.Context, req sandbox.RunRequest) error {
	f.calls = append(f.calls, req)

	return hostpath.EnsureDir(req.HostHome)
}

type fakeDiskUsage struct{}

func (fakeDiskUsage) Probe(path string) (hostpath.Result, error) {
	return hostpath.Result{}, nil
}

type fixedGenerator struct {
	names []string
}

func (g fixedGenerator) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, n := range g.names {
			if !yield(n) {
				return
			}
		}
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeRunner) {
	t.Helper()

	dir := t.TempDir()
	layout := hostpath.Layout{
		HomeRoot: filepath.Join(dir, "home"),
		WorkRoot: filepath.Join(dir, "work"),
	}

	idx, err := pkgindex.Load(filepath.Join(dir, "user-pkgs"), filepath.Join(dir, "code-pkgs"))
	if err != nil {
		t.Fatalf("pkgindex.Load: %v", err)
	}

	cache, err := seedcache.New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("seedcache.New: %v", err)
	}

	runner := &fakeRunner{}

	sched := &buildsched.Scheduler{
		Index:     idx,
		Cache:     cache,
		Runner:    runner,
		Layout:    layout,
		DiskUsage: fakeDiskUsage{},
	}

	return &Engine{
		Index:     idx,
		Cache:     cache,
		Scheduler: sched,
		Runner:    runner,
		Layout:    layout,
	}, runner
}

func TestNewFailsIfAlreadyExists(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := os.MkdirAll(e.workDir("box"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := e.New(context.Background(), "box", map[string]bool{}); err == nil {
		t.Fatal("expected error creating an environment whose work dir already exists")
	}
}

func TestNewThenEnter(t *testing.T) {
	e, runner := newTestEngine(t)

	if err := e.New(context.Background(), "box", map[string]bool{}); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.workDir("box"), "packages.txt")); err != nil {
		t.Errorf("packages.txt missing after New: %v", err)
	}

	if err := e.Enter(context.Background(), "box"); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 runner calls (New + Enter), got %d", len(runner.calls))
	}
}

func TestEnterMissingEnvironmentFails(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.Enter(context.Background(), "nope"); err == nil {
		t.Fatal("expected error entering a nonexistent environment")
	}
}

func TestPurgeTolerantOfMissing(t *testing.T) {
	e, runner := newTestEngine(t)

	var warnings []string

	err := e.Purge([]string{"nope"}, func(format string, args ...any) {
		warnings = append(warnings, format)
	})
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if len(warnings) != 1 {
		t.Errorf("expected 1 warning for missing environment, got %d", len(warnings))
	}

	if len(runner.killed) != 0 {
		t.Errorf("expected no Kill calls for a nonexistent environment, got %v", runner.killed)
	}
}

func TestPurgeRemovesDirectories(t *testing.T) {
	e, runner := newTestEngine(t)

	if err := e.New(context.Background(), "box", map[string]bool{}); err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := e.Purge([]string{"box"}, nil); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, err := os.Stat(e.workDir("box")); !os.IsNotExist(err) {
		t.Errorf("work dir still exists after Purge: %v", err)
	}

	if len(runner.killed) != 1 || runner.killed[0] != "box" {
		t.Errorf("killed = %v, want [box]", runner.killed)
	}
}

func TestTmpUsesFirstFreeName(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := os.MkdirAll(e.workDir("taken"), 0o755); err != nil {
		t.Fatal(err)
	}

	gen := fixedGenerator{names: []string{"taken", "free"}}

	if err := e.Tmp(context.Background(), gen, map[string]bool{}); err != nil {
		t.Fatalf("Tmp: %v", err)
	}

	if _, err := os.Stat(e.workDir("free")); err != nil {
		t.Errorf("expected environment %q to be created: %v", "free", err)
	}
}

func TestRunSeedsIncludesTransitiveDependencies(t *testing.T) {
	dir := t.TempDir()
	codeRoot := filepath.Join(dir, "code-pkgs")

	writeDependsPkg(t, codeRoot, "libc", nil)
	writeDependsPkg(t, codeRoot, "rust", []string{"libc"})

	layout := hostpath.Layout{
		HomeRoot: filepath.Join(dir, "home"),
		WorkRoot: filepath.Join(dir, "work"),
	}

	idx, err := pkgindex.Load(filepath.Join(dir, "user-pkgs"), codeRoot)
	if err != nil {
		t.Fatalf("pkgindex.Load: %v", err)
	}

	cache, err := seedcache.New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("seedcache.New: %v", err)
	}

	if err := os.WriteFile(cache.Published("libc"), []byte("seed"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &Engine{Index: idx, Cache: cache, Layout: layout}

	seeds, err := e.runSeeds(map[string]bool{"rust": true})
	if err != nil {
		t.Fatalf("runSeeds: %v", err)
	}

	wantLibc := cache.Published("libc")

	found := false

	for _, s := range seeds {
		if s == wantLibc {
			found = true
		}
	}

	if !found {
		t.Errorf("runSeeds(rust) = %v, want it to include libc's published seed %q (rust depends on libc transitively)", seeds, wantLibc)
	}
}

func writeDependsPkg(t *testing.T, codeRoot, name string, depends []string) {
	t.Helper()

	dir := filepath.Join(codeRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if len(depends) > 0 {
		content := ""
		for _, d := range depends {
			content += d + "\n"
		}

		if err := os.WriteFile(filepath.Join(dir, "depends.txt"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBackingPackageKey(t *testing.T) {
	key, ok := backingPackageKey("package-rust")
	if !ok || key != "rust" {
		t.Errorf("backingPackageKey(package-rust) = (%q, %v), want (rust, true)", key, ok)
	}

	if _, ok := backingPackageKey("box"); ok {
		t.Error("backingPackageKey(box) should not match")
	}
}
