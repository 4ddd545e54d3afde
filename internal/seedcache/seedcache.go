// Package seedcache manages the content-addressed store of built package
// seed archives: PACKAGE_CACHE/<name>.tar (published) and its
// PACKAGE_CACHE/<name>.testing.tar sidecar (a candidate awaiting test).
//
// Published archives are never written in place. A build of a package with a
// test writes the sidecar first, and only a successful test run promotes it
// over the published name via an atomic rename; a build of a package without
// a test writes the published name through a temporary file renamed into
// place. Either way a reader never observes a half-written archive.
package seedcache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/zeebo/blake3"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
)

// Cache is the seed archive store rooted at Dir (cubicle's PACKAGE_CACHE).
type Cache struct {
	Dir string
}

// New returns a Cache rooted at dir, creating dir if it does not exist.
func New(dir string) (*Cache, error) {
	if err := hostpath.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("seedcache: %w", err)
	}

	return &Cache{Dir: dir}, nil
}

// Published returns the path of name's published archive.
func (c *Cache) Published(name string) string {
	return filepath.Join(c.Dir, name+".tar")
}

// Candidate returns the path of name's testing sidecar.
func (c *Cache) Candidate(name string) string {
	return filepath.Join(c.Dir, name+".testing.tar")
}

// LastBuilt returns the modification time of name's published archive, or
// the zero time if it does not exist.
func (c *Cache) LastBuilt(name string) (time.Time, error) {
	info, err := os.Stat(c.Published(name))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}

		return time.Time{}, fmt.Errorf("seedcache: stat %q: %w", name, err)
	}

	return info.ModTime(), nil
}

// Promote atomically renames name's testing sidecar over its published
// archive.
func (c *Cache) Promote(name string) error {
	if err := os.Rename(c.Candidate(name), c.Published(name)); err != nil {
		return fmt.Errorf("seedcache: promote %q: %w", name, err)
	}

	return nil
}

// DiscardCandidate removes name's testing sidecar, tolerating its absence.
func (c *Cache) DiscardCandidate(name string) error {
	err := os.Remove(c.Candidate(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("seedcache: discard candidate %q: %w", name, err)
	}

	return nil
}

// Stat is the result of probing a published archive.
type Stat struct {
	SizeBytes int64
	Mtime     time.Time
	// DigestOrEmpty is a blake3 hex digest of the archive contents, computed
	// only by [Cache.Stat] callers that ask for it via its withDigest argument.
	DigestOrEmpty string
	// DuHadError mirrors whether the underlying size probe reported a soft
	// error; always false here since Stat uses os.Stat, not du — kept for
	// symmetry with hostpath.Result callers that merge both signals.
	DuHadError bool
}

// Stat reports size and mtime for name's published archive. The digest is
// computed only if withDigest is true: hashing every seed archive on every
// scheduler pass would be wasted work the hot path never needs.
func (c *Cache) Stat(name string, withDigest bool) (Stat, error) {
	path := c.Published(name)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Stat{}, fmt.Errorf("%w: %q: %w", ErrNotFound, name, err)
		}

		return Stat{}, fmt.Errorf("seedcache: stat %q: %w", name, err)
	}

	st := Stat{SizeBytes: info.Size(), Mtime: info.ModTime()}

	if withDigest {
		digest, err := digestFile(path)
		if err != nil {
			return Stat{}, fmt.Errorf("seedcache: digest %q: %w", name, err)
		}

		st.DigestOrEmpty = digest
	}

	return st, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyProvidesNoFollow copies homeDir/provides.tar, refusing to traverse a
// symlink on either end, into the testing sidecar (toTesting) or directly
// over the published archive.
//
// The destination is written atomically via renameio so a reader racing the
// copy never observes a truncated archive; this matters because Stat and a
// concurrent Runner invocation may read the published archive while a build
// for a different package is still in flight.
func (c *Cache) CopyProvidesNoFollow(homeDir, packageName string, toTesting bool) error {
	src := filepath.Join(homeDir, "provides.tar")

	dst := c.Published(packageName)
	if toTesting {
		dst = c.Candidate(packageName)
	}

	in, err := hostpath.OpenNoFollow(src, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("seedcache: open provides archive for %q: %w", packageName, err)
	}
	defer func() { _ = in.Close() }()

	// The write goes to a temporary file that is then renamed over dst; a
	// rename replaces a symlink at dst instead of following it, so the write
	// never reaches whatever such a symlink points at.
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("seedcache: create pending file for %q: %w", packageName, err)
	}
	defer func() { _ = t.Cleanup() }()

	if _, err := io.Copy(t, in); err != nil {
		return fmt.Errorf("seedcache: write %q: %w", dst, err)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("seedcache: promote write to %q: %w", dst, err)
	}

	return nil
}

// ErrNotFound is returned by operations that require a published archive to
// already exist.
var ErrNotFound = errors.New("seedcache: archive not found")
