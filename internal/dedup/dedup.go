// Package dedup decides whether a freshly copied part is new, identical
// to the previously committed part at the same index, or entirely zero,
// and mutates the on-disk state accordingly.
package dedup

import (
	"bytes"
	"io"
	"os"

	"github.com/thoreinstein/partbak/internal/errors"
)

// Reconcile compares the staged part at stagingPath against the committed
// part at committedPath (which may not exist) and commits the outcome:
//
//   - No committed part: the staged part is promoted. changed = true.
//   - Identical content (byte-for-byte, or committed zero-sentinel vs
//     all-zero staged part when keepNullParts is false): the staged part
//     is discarded. changed = false.
//   - Different content: the committed part is deleted and the staged
//     part promoted. changed = true.
//
// After promotion, a staged part whose size is exactly partSize and whose
// content is all zero is collapsed to a zero-byte file when keepNullParts
// is false. A part shorter than partSize is never collapsed, since its
// true size must remain recoverable.
//
// Operations are ordered so that at most one of {staged, committed} is
// missing at any failure point; retrying the current index is always safe.
func Reconcile(stagingPath, committedPath string, partSize, blockSize int64, keepNullParts bool) (changed bool, err error) {
	allZero, err := isAllZeros(stagingPath, blockSize)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(committedPath); err == nil {
		identical, err := committedMatchesStaged(committedPath, stagingPath, blockSize, allZero, keepNullParts)
		if err != nil {
			return false, err
		}
		if identical {
			if err := os.Remove(stagingPath); err != nil {
				return false, errors.Wrap(err, "discarding unchanged staged part")
			}
			return false, nil
		}
		if err := os.Remove(committedPath); err != nil {
			return false, errors.Wrap(err, "removing stale committed part")
		}
	} else if !os.IsNotExist(err) {
		return false, errors.Wrap(err, "stat committed part")
	}

	info, err := os.Stat(stagingPath)
	if err != nil {
		return false, errors.Wrap(err, "stat staged part")
	}

	if err := os.Rename(stagingPath, committedPath); err != nil {
		return false, errors.Wrap(err, "promoting staged part")
	}

	// Zero-sentinel collapse. Only full-size parts collapse; a short
	// final part keeps its real length.
	if info.Size() == partSize && allZero && !keepNullParts {
		if err := os.Truncate(committedPath, 0); err != nil {
			return false, errors.Wrap(err, "collapsing all-zero part")
		}
	}

	return true, nil
}

// committedMatchesStaged reports whether the committed part already holds
// the staged content. A committed zero-sentinel (empty file) matches an
// all-zero staged part unless keepNullParts is set.
func committedMatchesStaged(committedPath, stagingPath string, blockSize int64, stagedAllZero, keepNullParts bool) (bool, error) {
	info, err := os.Stat(committedPath)
	if err != nil {
		return false, errors.Wrap(err, "stat committed part")
	}

	if !keepNullParts && info.Size() == 0 && stagedAllZero {
		return true, nil
	}

	return filesIdentical(committedPath, stagingPath, blockSize)
}

// isAllZeros reports whether the file at path contains only zero bytes,
// scanning in blockSize increments. A strictly empty file reports false:
// an empty staged part carries no data and must not be mistaken for a
// full part of zeros.
func isAllZeros(path string, blockSize int64) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "opening part for zero scan")
	}
	defer f.Close()

	block := make([]byte, blockSize)
	zero := make([]byte, blockSize)
	sawData := false

	for {
		n, err := io.ReadFull(f, block)
		if n > 0 {
			sawData = true
			if !bytes.Equal(block[:n], zero[:n]) {
				return false, nil
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return false, errors.Wrap(err, "scanning part for zeros")
		}
	}

	return sawData, nil
}

// filesIdentical reports whether both files contain identical data,
// comparing in blockSize increments and short-circuiting on the first
// differing block.
func filesIdentical(path1, path2 string, blockSize int64) (bool, error) {
	f1, err := os.Open(path1)
	if err != nil {
		return false, errors.Wrap(err, "opening part for compare")
	}
	defer f1.Close()

	f2, err := os.Open(path2)
	if err != nil {
		return false, errors.Wrap(err, "opening part for compare")
	}
	defer f2.Close()

	b1 := make([]byte, blockSize)
	b2 := make([]byte, blockSize)

	for {
		n1, err1 := io.ReadFull(f1, b1)
		n2, err2 := io.ReadFull(f2, b2)

		if n1 != n2 || !bytes.Equal(b1[:n1], b2[:n2]) {
			return false, nil
		}

		atEOF1 := err1 == io.EOF || err1 == io.ErrUnexpectedEOF
		atEOF2 := err2 == io.EOF || err2 == io.ErrUnexpectedEOF
		if atEOF1 || atEOF2 {
			return atEOF1 == atEOF2, nil
		}
		if err1 != nil {
			return false, errors.Wrap(err1, "comparing parts")
		}
		if err2 != nil {
			return false, errors.Wrap(err2, "comparing parts")
		}
	}
}
