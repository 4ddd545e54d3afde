// Package hostpath resolves the engine's XDG-style base directories and
// provides symlink-refusing filesystem primitives used whenever the engine
// reads or writes within a sandbox-visible path.
//
// None of this package's operations are sandboxed themselves; they run
// directly against the host filesystem on behalf of the higher-level
// components (seed cache, package index, environment lifecycle) that do
// need to defend against a malicious or careless package leaving a symlink
// where a plain file is expected.
package hostpath

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Layout holds every directory and asset path the engine consumes, resolved
// once at process start.
//
// A Layout is an immutable value threaded through function calls; nothing in
// this package mutates it after construction.
type Layout struct {
	HomeRoot        string // XDG_CACHE_HOME/cubicle/home
	WorkRoot        string // XDG_DATA_HOME/cubicle/work
	PackageCache    string // XDG_CACHE_HOME/cubicle/packages
	UserPackageRoot string // XDG_DATA_HOME/cubicle/packages
	CodePackageRoot string // <script dir>/packages
	EFFWordlist     string // XDG_CACHE_HOME/cubicle/eff_short_wordlist_1.txt
	RunnerFile      string // <script dir>/.RUNNER
	SeccompBPF      string // <script dir>/seccomp.bpf
	SeccompJSON     string // <script dir>/seccomp.json
	DockerfileIn    string // <script dir>/Dockerfile.in
	DevInit         string // <script dir>/dev-init.sh
}

// NewLayout resolves a Layout from the process environment.
//
// scriptDir anchors the built-in package root and the sibling asset files; it
// is normally the directory containing the running executable (see
// [ScriptDir]).
func NewLayout(env map[string]string, scriptDir string) (Layout, error) {
	home := env["HOME"]
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("hostpath: resolve HOME: %w", err)
		}

		home = h
	}

	cacheHome := env["XDG_CACHE_HOME"]
	if cacheHome == "" {
		cacheHome = filepath.Join(home, ".cache")
	}

	dataHome := env["XDG_DATA_HOME"]
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}

	return Layout{
		HomeRoot:        filepath.Join(cacheHome, "cubicle", "home"),
		WorkRoot:        filepath.Join(dataHome, "cubicle", "work"),
		PackageCache:    filepath.Join(cacheHome, "cubicle", "packages"),
		UserPackageRoot: filepath.Join(dataHome, "cubicle", "packages"),
		CodePackageRoot: filepath.Join(scriptDir, "packages"),
		EFFWordlist:     filepath.Join(cacheHome, "cubicle", "eff_short_wordlist_1.txt"),
		RunnerFile:      filepath.Join(scriptDir, ".RUNNER"),
		SeccompBPF:      filepath.Join(scriptDir, "seccomp.bpf"),
		SeccompJSON:     filepath.Join(scriptDir, "seccomp.json"),
		DockerfileIn:    filepath.Join(scriptDir, "Dockerfile.in"),
		DevInit:         filepath.Join(scriptDir, "dev-init.sh"),
	}, nil
}

// ScriptDir returns the directory containing the running executable, with
// symlinks resolved, so that sibling assets (packages/, seccomp filters,
// the Dockerfile template) can be found regardless of how the binary was
// invoked.
func ScriptDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("hostpath: resolve executable path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("hostpath: resolve executable symlinks: %w", err)
	}

	return filepath.Dir(resolved), nil
}

// OpenNoFollow opens path, refusing to traverse a terminal symlink.
//
// This is a security contract, not an optimisation: it is used whenever the
// engine reads or writes a path that lives inside a directory a sandboxed
// package could have written to (HOME_ROOT/<name>/provides.tar,
// WORK_ROOT/<name>/packages.txt).
func OpenNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	fd, err := unix.Open(path, flag|unix.O_NOFOLLOW, uint32(perm))
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	return os.NewFile(uintptr(fd), path), nil
}

// CopyNoFollow copies src to dst, refusing to traverse a terminal symlink on
// either end.
//
// dst is created if absent and truncated if present; dst itself must not be a
// symlink (O_NOFOLLOW on the destination rejects that case rather than
// silently following it, which would let a malicious package redirect a
// write to an arbitrary target the symlink points at).
func CopyNoFollow(src, dst string) (err error) {
	in, err := OpenNoFollow(src, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("hostpath: open source %q: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := OpenNoFollow(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("hostpath: open destination %q: %w", dst, err)
	}

	defer func() {
		closeErr := out.Close()
		if err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	if err != nil {
		return fmt.Errorf("hostpath: copy %q to %q: %w", src, dst, err)
	}

	return nil
}

// RemoveAllTolerant recursively removes path.
//
// Two host realities make a plain os.RemoveAll insufficient:
//
//  1. Read-only subtrees (e.g. a package's vendored dependency tree) are not
//     removable by a straightforward unlink; see
//     https://github.com/golang/go/issues/27161.
//  2. A container runtime can leave empty directories owned by a foreign uid
//     where a volume was mounted (typically the environment's work directory
//     mount point inside its home). These are removable but chmod cannot
//     alter their permissions directly.
//
// On a permission error, the parent directory of path is chmod'd u+rwX
// (recursively) once, and removal is retried even if chmod reported a
// failure (as it does on a foreign-owned directory). A second removal failure
// is fatal.
func RemoveAllTolerant(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	if !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("hostpath: remove %q: %w", path, err)
	}

	chmodErr := exec.Command("chmod", "-R", "u+rwX", filepath.Dir(path)).Run()

	retryErr := os.RemoveAll(path)
	if retryErr != nil {
		return fmt.Errorf("hostpath: remove %q: still failing after chmod retry: %w (chmod error: %v)", path, retryErr, chmodErr)
	}

	return nil
}

var duLine = regexp.MustCompile(`^(?P<size>[0-9]+)\t(?P<mtime>[0-9]+)\ttotal$`)

// DiskUsageProbe reports the total size and newest-mtime of a directory tree,
// by shelling out to `du` exactly as the original Python implementation did.
//
// This is deliberately not reimplemented in pure Go: du's semantics around
// sparse files, hard links, and block rounding are the originally intended
// "edited" signal for package staleness, and a hand-rolled directory walk
// would silently diverge from it.
type DiskUsageProbe struct{}

// Result is the outcome of a disk usage probe.
type Result struct {
	SizeBytes int64
	Mtime     time.Time
	HadError  bool // du reported something on stderr (e.g. a permission-denied entry)
}

// Probe runs `du -cs --block-size=1 --time --time-style=+%s path` and parses
// its "total" line.
func (DiskUsageProbe) Probe(path string) (Result, error) {
	cmd := exec.Command("du", "-cs", "--block-size=1", "--time", "--time-style=+%s", path)

	stdout, err := cmd.Output()
	hadError := false

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// `du` exits non-zero on permission errors for individual entries but
			// still emits a usable total; treat that as a soft error rather than
			// a fatal one.
			hadError = true
		} else {
			return Result{}, fmt.Errorf("hostpath: run du on %q: %w", path, err)
		}
	}

	m := duLine.FindSubmatch(lastNonEmptyLine(stdout))
	if m == nil {
		return Result{}, fmt.Errorf("hostpath: unexpected output from du for %q", path)
	}

	size, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("hostpath: parse du size for %q: %w", path, err)
	}

	mtimeSec, err := strconv.ParseInt(string(m[2]), 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("hostpath: parse du mtime for %q: %w", path, err)
	}

	return Result{SizeBytes: size, Mtime: time.Unix(mtimeSec, 0), HadError: hadError}, nil
}

func lastNonEmptyLine(b []byte) []byte {
	lines := splitLines(b)
	for i := len(lines) - 1; i >= 0; i-- {
		if len(lines[i]) > 0 {
			return lines[i]
		}
	}

	return nil
}

func splitLines(b []byte) [][]byte {
	var out [][]byte

	start := 0

	for i, c := range b {
		if c == '\n' {
			out = append(out, b[start:i])
			start = i + 1
		}
	}

	if start < len(b) {
		out = append(out, b[start:])
	}

	return out
}

// TryReadDir lists a directory, tolerating it not existing (returns nil).
func TryReadDir(path string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("hostpath: read dir %q: %w", path, err)
	}

	return entries, nil
}

// EnsureDir creates path (and parents) if missing; it is benign if path
// already exists as a directory.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, 0o755)
	if err != nil {
		return fmt.Errorf("hostpath: create directory %q: %w", path, err)
	}

	return nil
}
