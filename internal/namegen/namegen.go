// Package namegen produces candidate names for throwaway environments
// (`cubicle tmp`), in a fixed priority order that degrades gracefully when
// its preferred word sources are unavailable.
package namegen

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/oklog/ulid/v2"

	"github.com/cubicle-sh/cubicle/internal/hostpath"
)

// wordlistURL is the canonical source for the EFF short wordlist, downloaded
// and cached the first time names are drawn from it. Its exact contents are
// an external asset this package does not own; only the
// cache-then-fall-through behavior around it is.
const wordlistURL = "https://www.eff.org/files/2016/09/08/eff_short_wordlist_1.txt"

// Generator yields an effectively unbounded sequence of lowercase candidate
// names, most-preferred first.
type Generator interface {
	Names() iter.Seq[string]
}

// Default is the shipped [Generator]: cached EFF wordlist, then the system
// dictionary, then two tiers of random fallback.
type Default struct {
	CacheFile  string // path to the cached EFF wordlist, e.g. Layout.EFFWordlist
	SystemDict string // path to a newline-separated word list, e.g. /usr/share/dict/words
}

// Names implements [Generator].
func (d Default) Names() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !yieldAll(wordlistWords(d.CacheFile, 10, true), yield) {
			return
		}

		if !yieldAll(wordlistWords(d.SystemDict, 6, false), yield) {
			return
		}

		entropy := ulid.DefaultEntropy()

		for i := 0; i < 20; i++ {
			if !yield(randomLowercase(entropy, 6)) {
				return
			}
		}

		yield(randomLowercase(entropy, 32))
	}
}

func yieldAll(words []string, yield func(string) bool) bool {
	for _, w := range words {
		if !yield(w) {
			return false
		}
	}

	return true
}

// wordlistWords reads path (ensuring it is cached first, for the EFF
// wordlist specifically — see [ensureCached]), filtering to all-lowercase
// alphabetic words of length <= maxLen. A missing or unreadable file yields
// no words rather than an error, and [Default.Names] falls through to its
// next tier; a failed download of the EFF wordlist is also reported as a
// warning on stderr (see [ensureCached]).
//
// diceFormat selects the EFF short wordlist's "DICEROLL\tWORD" line shape:
// each line is split on whitespace and the second field is taken as the
// word. When false, the whole trimmed line is the word, matching a plain
// one-word-per-line system dictionary.
func wordlistWords(path string, maxLen int, diceFormat bool) []string {
	if path == "" {
		return nil
	}

	if err := ensureCached(path); err != nil {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var words []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		word := line

		if diceFormat {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}

			word = fields[1]
		}

		if isLowercaseWord(word) && len(word) <= maxLen {
			words = append(words, word)
		}
	}

	return words
}

func isLowercaseWord(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}

	return true
}

// ensureCached downloads the EFF wordlist to path if it does not already
// exist there. Only applies when path is the well-known cache location;
// other paths (e.g. the system dictionary) are assumed to already exist or
// not, with no download attempted. A failed download is printed to stderr
// as a warning before the error is returned.
func ensureCached(path string) (err error) {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if !strings.HasSuffix(path, "eff_short_wordlist_1.txt") {
		return fmt.Errorf("namegen: %q does not exist and is not downloadable", path)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "cubicle: warning: %v; falling back to other name sources\n", err)
		}
	}()

	if err := hostpath.EnsureDir(dirOf(path)); err != nil {
		return err
	}

	client := http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(wordlistURL)
	if err != nil {
		return fmt.Errorf("namegen: download wordlist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("namegen: download wordlist: unexpected status %s", resp.Status)
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("namegen: create pending wordlist file: %w", err)
	}
	defer func() { _ = t.Cleanup() }()

	if _, err := io.Copy(t, resp.Body); err != nil {
		return fmt.Errorf("namegen: write wordlist: %w", err)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("namegen: promote wordlist: %w", err)
	}

	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}

	return path[:idx]
}

func randomLowercase(entropy io.Reader, n int) string {
	buf := make([]byte, n)
	_, _ = io.ReadFull(entropy, buf)

	out := make([]byte, n)
	for i, b := range buf {
		out[i] = 'a' + b%26
	}

	return string(out)
}
