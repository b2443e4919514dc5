package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Live redraws a frame in place by moving the cursor back over the previous
// one. When disabled, Draw does nothing and callers print a final frame.
type Live struct {
	w        io.Writer
	enabled  bool
	numLines int
}

func NewLive(w io.Writer, enabled bool) *Live {
	return &Live{w: w, enabled: enabled}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (l *Live) Enabled() bool { return l.enabled }

func (l *Live) Draw(frame string) {
	if !l.enabled {
		return
	}
	if l.numLines > 0 {
		fmt.Fprintf(l.w, "\033[%dA\033[J", l.numLines)
	}
	frame = strings.TrimRight(frame, "\n")
	fmt.Fprintln(l.w, frame)
	l.numLines = strings.Count(frame, "\n") + 1
}
