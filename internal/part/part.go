// Package part implements the naming and addressing scheme for backup
// parts inside a snapshot directory.
//
// A part is a fixed-size numbered chunk of the source stream stored as
// one file. Committed parts are named with a fixed-width, zero-padded
// 8-digit index (part_00000007); a part still being copied uses a .new
// staging suffix until it is reconciled. Encrypted and obfuscated
// variants carry .enc and .obf extensions respectively.
//
// A committed plain part of size 0 is the zero-sentinel convention: it
// stands for a full part of zero-valued bytes.
package part

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/thoreinstein/partbak/internal/errors"
)

// Variant identifies the on-disk encoding of a committed part.
type Variant string

const (
	// Plain is an untransformed part.
	Plain Variant = "plain"
	// Encrypted is a part sealed with authenticated encryption.
	Encrypted Variant = "encrypted"
	// Obfuscated is a part transformed with the chained XOR keystream.
	Obfuscated Variant = "obfuscated"
)

// Extension returns the file name extension for the variant
// ("" for plain parts).
func (v Variant) Extension() string {
	switch v {
	case Encrypted:
		return ".enc"
	case Obfuscated:
		return ".obf"
	default:
		return ""
	}
}

const (
	prefix     = "part_"
	indexWidth = 8
	stagingExt = ".new"
)

// Entry describes one committed part found by List.
type Entry struct {
	// Name is the file name within the snapshot directory.
	Name string
	// Index is the part index parsed from the name.
	Index int
	// Size is the on-disk size in bytes. For a plain part, 0 means
	// zero-sentinel.
	Size int64
}

// Path returns the canonical path of the committed part at index for the
// given variant.
func Path(dir string, index int, variant Variant) string {
	return filepath.Join(dir, Name(index, variant))
}

// Name returns the canonical file name of the committed part at index.
func Name(index int, variant Variant) string {
	return fmt.Sprintf("%s%0*d%s", prefix, indexWidth, index, variant.Extension())
}

// StagingPath returns the path of a not-yet-committed part at index.
// A staged part has been copied from the source but not yet compared,
// collapsed, or transformed.
func StagingPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%0*d%s", prefix, indexWidth, index, stagingExt))
}

// ParseName reports the index of a committed part file name of the given
// variant, or ok=false when the name does not match the variant pattern.
func ParseName(name string, variant Variant) (index int, ok bool) {
	ext := variant.Extension()
	if len(name) != len(prefix)+indexWidth+len(ext) {
		return 0, false
	}
	if name[:len(prefix)] != prefix {
		return 0, false
	}
	if ext != "" && name[len(name)-len(ext):] != ext {
		return 0, false
	}

	digits := name[len(prefix) : len(prefix)+indexWidth]
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	// Atoi accepts a leading +; the pattern does not.
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	return n, true
}

// List enumerates the committed parts of the given variant in ascending
// index order.
func List(dir string, variant Variant) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading snapshot directory")
	}

	var parts []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		index, ok := ParseName(de.Name(), variant)
		if !ok {
			continue
		}
		// Stat through the name, not the entry: a part soft-linked
		// forward from the previous snapshot must report its target's
		// size, and a soft-linked zero-sentinel must report 0.
		info, err := os.Stat(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "stat part %s", de.Name())
		}
		parts = append(parts, Entry{
			Name:  de.Name(),
			Index: index,
			Size:  info.Size(),
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	return parts, nil
}

// DetectVariant reports which variant a snapshot directory holds, by
// checking which part pattern its entries match. An empty directory is
// reported as Plain.
func DetectVariant(dir string) (Variant, error) {
	for _, v := range []Variant{Encrypted, Obfuscated} {
		parts, err := List(dir, v)
		if err != nil {
			return Plain, err
		}
		if len(parts) > 0 {
			return v, nil
		}
	}
	return Plain, nil
}

// RemoveFrom deletes every contiguous committed part of the variant
// starting at index, returning the number removed. Used to truncate
// stale trailing parts left over from a previous, longer backup.
func RemoveFrom(dir string, index int, variant Variant) (int, error) {
	removed := 0
	for {
		p := Path(dir, index, variant)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return removed, nil
			}
			return removed, errors.Wrapf(err, "stat part %d", index)
		}
		if err := os.Remove(p); err != nil {
			return removed, errors.Wrapf(err, "removing part %d", index)
		}
		removed++
		index++
	}
}
