package logging

import (
	"io"
	"os"

	"golang.org/x/term"
)

// IsTTY reports whether w writes to a terminal. It recognizes os.File
// and any wrapper exposing an Fd() method; everything else (buffers,
// pipes, the JSON log file) is treated as non-interactive.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// SupportsColor reports whether the console handler may emit ANSI
// color codes on w. Color is off for non-terminals, when NO_COLOR is
// set (https://no-color.org), or when TERM=dumb.
func SupportsColor(w io.Writer) bool {
	return supportsColor(w, IsTTY(w))
}

// supportsColor is the environment check, split from the TTY probe so
// tests can exercise it with a plain writer.
func supportsColor(w io.Writer, isTTY bool) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY
}
