package sandbox

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// progressWriter prints a running byte count to an fd-backed stream, but
// only when that stream is an interactive terminal; piped output (logs, CI)
// gets nothing, matching how the original seed-streaming step only drew a
// progress indicator for a human watching a terminal.
type progressWriter struct {
	out       *os.File
	label     string
	total     int64
	written   int64
	isTTY     bool
	lastPrint int64
}

// newProgressWriter wraps out for progress reporting of an operation whose
// total size in bytes is known ahead of time (0 if unknown).
func newProgressWriter(out *os.File, label string, total int64) *progressWriter {
	return &progressWriter{
		out:   out,
		label: label,
		total: total,
		isTTY: isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()),
	}
}

// Write implements io.Writer, tracking cumulative bytes without delaying the
// underlying copy it instruments.
func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))

	if p.isTTY && p.written-p.lastPrint > 1<<20 {
		p.print()
		p.lastPrint = p.written
	}

	return len(b), nil
}

// Done prints a final summary line, if running in a terminal.
func (p *progressWriter) Done() {
	if p.isTTY {
		p.print()
		fmt.Fprintln(p.out)
	}
}

func (p *progressWriter) print() {
	if p.total > 0 {
		fmt.Fprintf(p.out, "\r%s: %s / %s", p.label, humanBytes(p.written), humanBytes(p.total))
	} else {
		fmt.Fprintf(p.out, "\r%s: %s", p.label, humanBytes(p.written))
	}
}

func humanBytes(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%dB", n)
	}

	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

var _ io.Writer = (*progressWriter)(nil)
