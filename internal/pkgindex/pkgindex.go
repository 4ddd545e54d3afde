// Package pkgindex discovers package definitions from the user and built-in
// package roots and exposes dependency-closure operations over them.
//
// A *[Index] is computed once at process start (see [Load]) and never
// mutated afterwards; callers share it as an immutable value rather than a
// package-level singleton.
package pkgindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// autoPackage is the synthetic dependency inserted into every package's
// Depends set, then stripped from members of its own build-transitive
// closure to break the resulting cycle. See [Index.resolveAuto].
const autoPackage = "auto"

// Package is an immutable package definition, as discovered on disk.
type Package struct {
	// Name is the unique identifier: the directory basename.
	Name string
	// Dir is the absolute path containing the package's definition files.
	Dir string
	// Origin is "built-in" or the basename of the user-root group directory
	// this package was discovered under.
	Origin string
	// Depends is the set of package names required at environment-use time.
	// "auto" is added to every package at load time and stripped again only
	// from packages in auto's own build-transitive closure (see resolveAuto).
	Depends map[string]bool
	// BuildDepends is the set of package names required only while building
	// this package.
	BuildDepends map[string]bool
	// Update is the absolute path to update.sh, or "" if this package is a
	// pure file-drop with no build step.
	Update string
	// Test is the absolute path to test.sh, or "" if the package has no test.
	Test string
	// Provides lists relative paths under HOME that a legacy provides.txt
	// declares this package contributes. Documentation/validation only.
	Provides []string
}

// Index is the immutable, discovered set of all packages.
type Index struct {
	byName map[string]*Package
}

// Load discovers package definitions from userRoot (iterated as group
// directories, sorted) and codeRoot (the built-in root), in that precedence
// order (first-wins on name collision), then resolves the synthetic "auto"
// dependency.
func Load(userRoot, codeRoot string) (*Index, error) {
	idx := &Index{byName: make(map[string]*Package)}

	if err := os.MkdirAll(userRoot, 0o755); err != nil {
		return nil, fmt.Errorf("pkgindex: create user package root %q: %w", userRoot, err)
	}

	groupEntries, err := os.ReadDir(userRoot)
	if err != nil {
		return nil, fmt.Errorf("pkgindex: read user package root %q: %w", userRoot, err)
	}

	groups := make([]string, 0, len(groupEntries))
	for _, e := range groupEntries {
		if e.IsDir() {
			groups = append(groups, e.Name())
		}
	}

	sort.Strings(groups)

	for _, group := range groups {
		if err := idx.addPackages(filepath.Join(userRoot, group), group); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(codeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("pkgindex: create built-in package root %q: %w", codeRoot, err)
	}

	if err := idx.addPackages(codeRoot, "built-in"); err != nil {
		return nil, err
	}

	idx.resolveAuto()

	return idx, nil
}

// addPackages registers every child directory of dir as a package with the
// given origin. Names already registered (from an earlier, higher-precedence
// root) are left untouched.
func (idx *Index) addPackages(dir, origin string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("pkgindex: read package root %q: %w", dir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		name := e.Name()
		if _, exists := idx.byName[name]; exists {
			continue
		}

		pkgDir := filepath.Join(dir, name)

		buildDepends, err := readNameList(filepath.Join(pkgDir, "build-depends.txt"))
		if err != nil {
			return err
		}

		depends, err := readNameList(filepath.Join(pkgDir, "depends.txt"))
		if err != nil {
			return err
		}

		depends[autoPackage] = true

		provides, err := readProvides(filepath.Join(pkgDir, "provides.txt"))
		if err != nil {
			return err
		}

		p := &Package{
			Name:         name,
			Dir:          pkgDir,
			Origin:       origin,
			Depends:      depends,
			BuildDepends: buildDepends,
			Provides:     provides,
		}

		if path := filepath.Join(pkgDir, "update.sh"); fileExists(path) {
			p.Update = path
		}

		if path := filepath.Join(pkgDir, "test.sh"); fileExists(path) {
			p.Test = path
		}

		idx.byName[name] = p
	}

	return nil
}

// resolveAuto computes the build-transitive closure from {"auto"} and strips
// "auto" from the Depends of every package in that closure.
//
// The closure must be computed first, then the mutation applied; mutating
// while visiting would make the DFS non-terminating since auto's own closure
// includes itself once the edge is cut.
func (idx *Index) resolveAuto() {
	if _, ok := idx.byName[autoPackage]; !ok {
		return
	}

	closure := idx.TransitiveDepends([]string{autoPackage}, true)
	for name := range closure {
		if p, ok := idx.byName[name]; ok {
			delete(p.Depends, autoPackage)
		}
	}
}

// Get looks up a package by name.
func (idx *Index) Get(name string) (*Package, bool) {
	p, ok := idx.byName[name]

	return p, ok
}

// AllNames returns every known package name, sorted.
func (idx *Index) AllNames() []string {
	names := make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// TransitiveDepends computes the set reachable from names under Depends
// (and, when includeBuildDeps is true, also BuildDepends), via a DFS with a
// visited set.
//
// Names not present in the index are treated as leaves with no further
// edges; callers are expected to validate names before this becomes visible
// to the end user (see [ExpandSpec]).
func (idx *Index) TransitiveDepends(names []string, includeBuildDeps bool) map[string]bool {
	visited := make(map[string]bool)

	var visit func(name string)

	visit = func(name string) {
		if visited[name] {
			return
		}

		visited[name] = true

		p, ok := idx.byName[name]
		if !ok {
			return
		}

		for q := range p.Depends {
			visit(q)
		}

		if includeBuildDeps {
			for q := range p.BuildDepends {
				visit(q)
			}
		}
	}

	for _, name := range names {
		visit(name)
	}

	return visited
}

// ExpandSpec parses a CLI SPEC string: the literal "none" yields the empty
// set; otherwise each comma-separated token is either a literal package name
// or a doublestar glob pattern (containing '*', '?', or '[') matched against
// idx.AllNames(). The result is unioned with {"auto"}.
//
// An unknown literal name, or a glob matching nothing, is an error listing
// the valid package names.
func ExpandSpec(raw string, idx *Index) (map[string]bool, error) {
	if raw == "none" {
		return map[string]bool{}, nil
	}

	all := idx.AllNames()
	result := make(map[string]bool)

	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		if isGlobPattern(tok) {
			matched := false

			for _, name := range all {
				ok, err := doublestar.Match(tok, name)
				if err != nil {
					return nil, fmt.Errorf("pkgindex: invalid package pattern %q: %w", tok, err)
				}

				if ok {
					result[name] = true
					matched = true
				}
			}

			if !matched {
				return nil, fmt.Errorf("pkgindex: pattern %q matched no packages (known: %s)", tok, strings.Join(all, ", "))
			}

			continue
		}

		if _, ok := idx.Get(tok); !ok {
			return nil, fmt.Errorf("pkgindex: invalid package %q (use 'none' or comma-separated list from %s)", tok, strings.Join(all, ", "))
		}

		result[tok] = true
	}

	result[autoPackage] = true

	return result, nil
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// readNameList reads a newline-separated, whitespace-trimmed list of names,
// ignoring blank lines. A missing file yields an empty set.
func readNameList(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}

		return nil, fmt.Errorf("pkgindex: read %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	out := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out[line] = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pkgindex: scan %q: %w", path, err)
	}

	return out, nil
}

// readProvides reads provides.txt, validating that every entry is a relative
// path with no leading "/" or "~/" and no ".." segment. Violations are
// fatal: this legacy file is documentation only, so a malformed entry is
// never worth silently dropping.
func readProvides(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("pkgindex: read %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := validateProvidesEntry(line); err != nil {
			return nil, fmt.Errorf("pkgindex: %q: %w", path, err)
		}

		out = append(out, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pkgindex: scan %q: %w", path, err)
	}

	return out, nil
}

func validateProvidesEntry(entry string) error {
	if strings.HasPrefix(entry, "/") {
		return fmt.Errorf("provides entry %q must be relative (no leading /)", entry)
	}

	if strings.HasPrefix(entry, "~/") || entry == "~" {
		return fmt.Errorf("provides entry %q must be relative (no leading ~/)", entry)
	}

	for _, seg := range strings.Split(entry, "/") {
		if seg == ".." {
			return fmt.Errorf("provides entry %q must not contain .. segments", entry)
		}
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && !info.IsDir()
}
