// Package sizeparse converts human-readable size strings to exact byte
// counts using the same grammar dd accepts, and formats byte counts for
// display.
package sizeparse

import (
	"strconv"
	"strings"

	units "github.com/docker/go-units"

	"github.com/thoreinstein/partbak/internal/errors"
)

// suffixes maps dd size suffixes to their multipliers. "w" is the size of
// a native int (4 on every platform partbak targets).
var suffixes = map[byte]int64{
	'b': 512,
	'k': 1024,
	'm': 1024 * 1024,
	'g': 1024 * 1024 * 1024,
	'w': 4,
}

// Parse converts a dd-style size string into an exact byte count.
// The numeric part may be decimal, octal (leading 0), or hex (leading 0x),
// and may carry one of the suffixes b (512), k, m, g, or w (4).
func Parse(value string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return 0, errors.New("empty size string")
	}

	var mult int64 = 1
	if m, ok := suffixes[s[len(s)-1]]; ok {
		mult = m
		s = s[:len(s)-1]
		if s == "" {
			return 0, errors.Newf("size %q has a suffix but no number", value)
		}
	}

	// strconv with base 0 handles the 0x / leading-zero-octal / decimal
	// distinction with the same rules dd uses.
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size %q", value)
	}
	if n < 0 {
		return 0, errors.Newf("size %q is negative", value)
	}

	return n * mult, nil
}

// Human returns a short human-readable representation of a byte count,
// e.g. "100MiB". Used for progress display only.
func Human(bytes int64) string {
	return units.BytesSize(float64(bytes))
}

// HumanRate formats a bytes-per-second rate for progress display.
func HumanRate(bytesPerSec float64) string {
	return units.BytesSize(bytesPerSec) + "/s"
}
