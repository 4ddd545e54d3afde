package pkgindex

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writePackage(t *testing.T, root, name string, depends, buildDepends []string, withUpdate bool) {
	t.Helper()

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if len(depends) > 0 {
		writeLines(t, filepath.Join(dir, "depends.txt"), depends)
	}

	if len(buildDepends) > 0 {
		writeLines(t, filepath.Join(dir, "build-depends.txt"), buildDepends)
	}

	if withUpdate {
		if err := os.WriteFile(filepath.Join(dir, "update.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()

	var content string
	for _, l := range lines {
		content += l + "\n"
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCodeRootOnly(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)
	writePackage(t, codeRoot, "git", []string{"rust"}, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := idx.AllNames()
	want := []string{"git", "rust"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("AllNames mismatch (-want +got):\n%s", diff)
	}

	git, ok := idx.Get("git")
	if !ok {
		t.Fatalf("expected package %q", "git")
	}

	if git.Depends["rust"] != true {
		t.Errorf("git.Depends = %v, want to contain rust", git.Depends)
	}

	// No "auto" package is defined here, so git is outside auto's closure and
	// keeps the synthetic auto dependency.
	if !git.Depends["auto"] {
		t.Errorf("git.Depends = %v, want to still contain auto (no auto package defined)", git.Depends)
	}
}

func TestLoadUserRootTakesPrecedence(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)
	writePackage(t, filepath.Join(userRoot, "mine"), "rust", []string{"git"}, nil, true)
	writePackage(t, codeRoot, "git", nil, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rust, ok := idx.Get("rust")
	if !ok {
		t.Fatalf("expected package %q", "rust")
	}

	if rust.Origin != "mine" {
		t.Errorf("rust.Origin = %q, want %q", rust.Origin, "mine")
	}

	if !rust.Depends["git"] {
		t.Errorf("rust.Depends = %v, want to contain git (user-root definition)", rust.Depends)
	}
}

func TestTransitiveDepends(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)
	writePackage(t, codeRoot, "cargo-cache", []string{"rust"}, nil, true)
	writePackage(t, codeRoot, "git", nil, nil, true)
	writePackage(t, codeRoot, "rust-project", []string{"cargo-cache", "git"}, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := idx.TransitiveDepends([]string{"rust-project"}, false)

	names := make([]string, 0, len(got))
	for n := range got {
		names = append(names, n)
	}

	sort.Strings(names)

	// Every package depends on the synthetic "auto", which is undefined here
	// and so appears in the closure as a leaf.
	want := []string{"auto", "cargo-cache", "git", "rust", "rust-project"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("TransitiveDepends mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandSpecNone(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := ExpandSpec("none", idx)
	if err != nil {
		t.Fatalf("ExpandSpec: %v", err)
	}

	if diff := cmp.Diff(map[string]bool{}, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("ExpandSpec(none) mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandSpecGlob(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)
	writePackage(t, codeRoot, "rust-nightly", nil, nil, true)
	writePackage(t, codeRoot, "git", nil, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := ExpandSpec("rust*", idx)
	if err != nil {
		t.Fatalf("ExpandSpec: %v", err)
	}

	want := map[string]bool{"rust": true, "rust-nightly": true, "auto": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExpandSpec(rust*) mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandSpecUnknownName(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	writePackage(t, codeRoot, "rust", nil, nil, true)

	idx, err := Load(userRoot, codeRoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := ExpandSpec("nope", idx); err == nil {
		t.Fatal("expected error for unknown package name")
	}
}

func TestReadProvidesRejectsAbsolutePath(t *testing.T) {
	userRoot := t.TempDir()
	codeRoot := t.TempDir()

	dir := filepath.Join(codeRoot, "bad")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	writeLines(t, filepath.Join(dir, "provides.txt"), []string{"/etc/passwd"})

	if _, err := Load(userRoot, codeRoot); err == nil {
		t.Fatal("expected error for absolute provides entry")
	}
}
