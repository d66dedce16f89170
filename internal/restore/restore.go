// Package restore replays a snapshot's parts onto a destination stream,
// reconstructing zero-sentinel parts and reversing per-part transforms
// along the way.
package restore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/thoreinstein/partbak/internal/blockcopy"
	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/part"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/speed"
)

// sealOverhead is the fixed per-part growth of the authenticated
// encryption encoding: 12-byte nonce plus 16-byte GCM tag.
const sealOverhead = 28

// Transform selects how committed parts are decoded before being
// written to the destination.
type Transform int

const (
	// TransformNone writes part bytes as stored. This includes writing
	// obfuscated bytes raw, which is how an obfuscated backup is laid
	// back onto its origin partition.
	TransformNone Transform = iota
	// TransformDecrypt reverses authenticated encryption.
	TransformDecrypt
	// TransformClarify reverses chained obfuscation.
	TransformClarify
)

// Engine restores one snapshot directory onto a destination stream.
type Engine struct {
	blockSize  int64
	startIndex int
	transform  Transform
	recaster   *recast.Recaster
	logger     *slog.Logger
	tracker    *speed.Tracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithStartIndex resumes the restore from the given part index.
func WithStartIndex(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startIndex = n
		}
	}
}

// WithDecrypt reverses authenticated encryption using the given recaster.
func WithDecrypt(r *recast.Recaster) Option {
	return func(e *Engine) {
		e.transform = TransformDecrypt
		e.recaster = r
	}
}

// WithClarify reverses chained obfuscation using the given recaster.
func WithClarify(r *recast.Recaster) Option {
	return func(e *Engine) {
		e.transform = TransformClarify
		e.recaster = r
	}
}

// WithLogger sets the logger used for progress and lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a restore engine writing in blockSize units.
func NewEngine(blockSize int64, opts ...Option) *Engine {
	e := &Engine{
		blockSize: blockSize,
		logger:    logging.NewDiscard(),
		tracker:   speed.NewTracker(speed.DefaultWindow),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore writes the parts of backupDir onto dest, starting at the
// configured start index.
//
// Resuming a clarify restore from a non-zero index replays the skipped
// prefix through the chain without writing output: the keystream for
// part i is a function of every part before it, so the chain state
// cannot be reconstructed any other way.
func (e *Engine) Restore(ctx context.Context, backupDir, dest string) error {
	variant, err := part.DetectVariant(backupDir)
	if err != nil {
		return err
	}
	if err := e.checkTransform(variant); err != nil {
		return err
	}

	parts, err := part.List(backupDir, variant)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.Mark(errors.Newf("no parts found in %s", backupDir), errors.ErrCorrupted)
	}

	partSize, err := e.deducePartSize(parts)
	if err != nil {
		return err
	}
	partBlockCount := partSize / e.blockSize

	if e.startIndex >= len(parts) {
		return errors.Newf("start index %d is beyond the last part (%d)", e.startIndex, len(parts)-1)
	}

	if e.transform == TransformClarify && e.startIndex > 0 {
		e.logger.Info("replaying skipped parts to rebuild the obfuscation chain",
			"count", e.startIndex)
		for i := 0; i < e.startIndex; i++ {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "restore interrupted")
			}
			if _, err := e.recaster.ClarifyPart(filepath.Join(backupDir, parts[i].Name)); err != nil {
				return errors.Wrapf(err, "replaying part %d", i)
			}
		}
	}

	for i := e.startIndex; i < len(parts); i++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "restore interrupted")
		}

		e.tracker.StartCycle()

		if rate, ok := e.tracker.Average(); ok {
			e.logger.Info("restoring part", "index", i, "speed", sizeparse.HumanRate(rate))
		} else {
			e.logger.Info("restoring part", "index", i)
		}

		written, err := e.restorePart(backupDir, parts[i], dest, int64(i)*partBlockCount, partSize)
		if err != nil {
			return err
		}

		e.tracker.EndCycle(written)
	}

	e.logger.Info("restore completed")
	return nil
}

// checkTransform validates that the requested transform matches the
// variant the snapshot actually holds.
func (e *Engine) checkTransform(variant part.Variant) error {
	switch e.transform {
	case TransformDecrypt:
		if variant != part.Encrypted {
			return errors.Mark(errors.Newf("decrypt requested but %s parts found", variant), errors.ErrInvalidConfig)
		}
	case TransformClarify:
		if variant != part.Obfuscated {
			return errors.Mark(errors.Newf("clarify requested but %s parts found", variant), errors.ErrInvalidConfig)
		}
	}
	return nil
}

// deducePartSize validates that all parts except possibly the last share
// one consistent size and that the size is a multiple of the block
// size, and returns the canonical (destination) part size.
// Zero-sentinel entries carry no size information and are skipped.
func (e *Engine) deducePartSize(parts []part.Entry) (int64, error) {
	var partSize int64

	for i, p := range parts {
		if p.Index != i {
			return 0, errors.Mark(
				errors.Newf("parts are not contiguous: index %d holds part %d", i, p.Index),
				errors.ErrCorrupted)
		}
		if i == len(parts)-1 || p.Size == 0 {
			continue
		}

		size := p.Size
		if partSize == 0 {
			partSize = size
			continue
		}
		if size != partSize {
			return 0, errors.Mark(
				errors.New("parts in backup have inconsistent sizes"),
				errors.ErrCorrupted)
		}
	}

	if partSize == 0 {
		return 0, errors.Mark(
			errors.New("could not deduce part size: all parts are empty"),
			errors.ErrCorrupted)
	}

	// Sealed parts carry a fixed encoding overhead; the destination
	// part size is the plaintext size.
	if e.transform == TransformDecrypt {
		partSize -= sealOverhead
	}

	if partSize%e.blockSize != 0 {
		return 0, errors.Mark(
			errors.Newf("part size %d is not a multiple of block size %d", partSize, e.blockSize),
			errors.ErrCorrupted)
	}

	return partSize, nil
}

// restorePart writes one part at the given destination block offset and
// returns the number of bytes written.
func (e *Engine) restorePart(backupDir string, p part.Entry, dest string, seekBlocks, partSize int64) (int64, error) {
	src := filepath.Join(backupDir, p.Name)

	// A zero-sentinel stands for a full part of zero bytes.
	if p.Size == 0 {
		written, err := blockcopy.WriteZeros(dest, e.blockSize, partSize, seekBlocks)
		if err != nil {
			return 0, errors.Wrapf(err, "restoring zero part %d", p.Index)
		}
		return written, nil
	}

	if e.transform == TransformNone {
		written, err := blockcopy.CopyRange(src, dest, blockcopy.Range{
			BlockSize:  e.blockSize,
			BlockCount: partSize / e.blockSize,
			SeekBlocks: seekBlocks,
		})
		if err != nil {
			return 0, errors.Wrapf(err, "restoring part %d", p.Index)
		}
		return written, nil
	}

	var plaintext []byte
	var err error
	switch e.transform {
	case TransformDecrypt:
		plaintext, err = e.recaster.DecryptPart(src)
	case TransformClarify:
		plaintext, err = e.recaster.ClarifyPart(src)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "decoding part %d", p.Index)
	}

	// The decoded bytes go through the same block copier as everything
	// else, via a scratch file colocated with the backup.
	tmp, err := os.CreateTemp(backupDir, ".partbak-restore-*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "creating scratch file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(plaintext); err != nil {
		tmp.Close()
		return 0, errors.Wrap(err, "writing scratch file")
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Wrap(err, "closing scratch file")
	}

	written, err := blockcopy.CopyRange(tmpName, dest, blockcopy.Range{
		BlockSize:  e.blockSize,
		BlockCount: (int64(len(plaintext)) + e.blockSize - 1) / e.blockSize,
		SeekBlocks: seekBlocks,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "restoring part %d", p.Index)
	}
	return written, nil
}
