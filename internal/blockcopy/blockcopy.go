// Package blockcopy copies byte ranges between files or block devices in
// fixed-size blocks, the way dd does with bs/count/skip/seek operands.
//
// It is the external collaborator the backup and restore engines hand raw
// byte movement to; the snapshot and transform logic never touches source
// or destination streams directly.
package blockcopy

import (
	"io"
	"os"

	"github.com/thoreinstein/partbak/internal/errors"
)

// Range describes one block-granular copy operation.
type Range struct {
	// BlockSize is the read/write granularity in bytes.
	BlockSize int64
	// BlockCount is the maximum number of blocks to copy.
	BlockCount int64
	// SkipBlocks is the block offset into the source to start reading at.
	SkipBlocks int64
	// SeekBlocks is the block offset into the destination to start writing at.
	SeekBlocks int64
}

// CopyRange copies up to r.BlockCount blocks of r.BlockSize bytes from src
// (starting at r.SkipBlocks blocks in) to dst (starting at r.SeekBlocks
// blocks in), creating dst if needed without truncating it. It returns
// the number of bytes written, which is short when the source ends inside
// the range. All failures are marked with errors.ErrCopyFailed.
func CopyRange(src, dst string, r Range) (int64, error) {
	if r.BlockSize <= 0 {
		return 0, errors.Mark(errors.Newf("block size %d must be positive", r.BlockSize), errors.ErrCopyFailed)
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "opening source"), errors.ErrCopyFailed)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "opening destination"), errors.ErrCopyFailed)
	}

	written, err := copyBlocks(in, out, r)
	if err != nil {
		out.Close()
		return written, errors.Mark(err, errors.ErrCopyFailed)
	}

	if err := out.Close(); err != nil {
		return written, errors.Mark(errors.Wrap(err, "closing destination"), errors.ErrCopyFailed)
	}
	return written, nil
}

func copyBlocks(in io.ReaderAt, out io.WriterAt, r Range) (int64, error) {
	block := make([]byte, r.BlockSize)
	readOff := r.SkipBlocks * r.BlockSize
	writeOff := r.SeekBlocks * r.BlockSize

	var written int64
	for i := int64(0); i < r.BlockCount; i++ {
		n, rerr := in.ReadAt(block, readOff)
		if n > 0 {
			if _, werr := out.WriteAt(block[:n], writeOff); werr != nil {
				return written, errors.Wrap(werr, "writing block")
			}
			written += int64(n)
			readOff += int64(n)
			writeOff += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, errors.Wrap(rerr, "reading block")
		}
		if int64(n) < r.BlockSize {
			// Short read without EOF: treat as end of source.
			break
		}
	}

	return written, nil
}

// WriteZeros writes count zero bytes to dst starting at the given block
// offset, in BlockSize units. Used to restore a zero-sentinel part
// without materializing it on disk.
func WriteZeros(dst string, blockSize, count, seekBlocks int64) (int64, error) {
	if blockSize <= 0 {
		return 0, errors.Mark(errors.Newf("block size %d must be positive", blockSize), errors.ErrCopyFailed)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "opening destination"), errors.ErrCopyFailed)
	}
	defer out.Close()

	zero := make([]byte, blockSize)
	off := seekBlocks * blockSize

	var written int64
	for written < count {
		chunk := int64(len(zero))
		if remaining := count - written; remaining < chunk {
			chunk = remaining
		}
		if _, err := out.WriteAt(zero[:chunk], off); err != nil {
			return written, errors.Mark(errors.Wrap(err, "writing zero block"), errors.ErrCopyFailed)
		}
		written += chunk
		off += chunk
	}

	return written, nil
}
