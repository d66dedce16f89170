// Package engine orchestrates a backup run: it carves the source stream
// into parts, reconciles each part against the previous snapshot, applies
// the configured transform, and drives the snapshot lifecycle from setup
// through finalize and prune.
package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/thoreinstein/partbak/internal/blockcopy"
	"github.com/thoreinstein/partbak/internal/dedup"
	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/logging"
	"github.com/thoreinstein/partbak/internal/part"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/snapshot"
	"github.com/thoreinstein/partbak/internal/speed"
)

// Engine runs one backup of a source stream into a destination root
// managed by a snapshot.Manager.
type Engine struct {
	source        string
	manager       *snapshot.Manager
	blockSize     int64
	partSize      int64
	keepNullParts bool
	variant       part.Variant
	recaster      *recast.Recaster
	logger        *slog.Logger
	tracker       *speed.Tracker

	now func() time.Time // test hook
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeepNullParts disables the zero-sentinel collapse so all-zero
// parts are stored at full size.
func WithKeepNullParts(keep bool) Option {
	return func(e *Engine) {
		e.keepNullParts = keep
	}
}

// WithEncrypt seals every part with authenticated encryption. Encrypted
// runs cannot deduplicate: every part is rewritten on every run.
func WithEncrypt(r *recast.Recaster) Option {
	return func(e *Engine) {
		e.variant = part.Encrypted
		e.recaster = r
	}
}

// WithObfuscate transforms every part with the chained keystream.
// Obfuscated runs cannot deduplicate and always process the source from
// the first part, since each part's keystream depends on all parts
// before it.
func WithObfuscate(r *recast.Recaster) Option {
	return func(e *Engine) {
		e.variant = part.Obfuscated
		e.recaster = r
	}
}

// WithLogger sets the logger used for progress and lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates a backup engine reading source in blockSize units and
// carving it into partSize parts.
func New(source string, manager *snapshot.Manager, blockSize, partSize int64, opts ...Option) (*Engine, error) {
	if blockSize <= 0 {
		return nil, errors.Mark(errors.Newf("block size %d must be positive", blockSize), errors.ErrInvalidConfig)
	}
	if partSize <= 0 {
		return nil, errors.Mark(errors.Newf("part size %d must be positive", partSize), errors.ErrInvalidConfig)
	}
	if partSize%blockSize != 0 {
		return nil, errors.Mark(
			errors.Newf("part size %d is not a multiple of block size %d", partSize, blockSize),
			errors.ErrInvalidConfig)
	}

	e := &Engine{
		source:    source,
		manager:   manager,
		blockSize: blockSize,
		partSize:  partSize,
		variant:   part.Plain,
		logger:    logging.NewDiscard(),
		tracker:   speed.NewTracker(speed.DefaultWindow),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Result summarizes a completed backup run.
type Result struct {
	// Dir is the finalized snapshot directory (or the root for flat runs).
	Dir string
	// Parts is the number of parts the source carved into.
	Parts int
	// Changed is the number of parts written or rewritten this run.
	Changed int
	// Deleted is the number of stale trailing parts removed.
	Deleted int
	// Bytes is the total number of bytes read from the source.
	Bytes int64
}

// Run executes the backup. The context is checked between parts; a
// cancelled run leaves the in-progress snapshot behind so the next run
// resumes it.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	dir, resumed, err := e.manager.Setup(e.variant == part.Plain)
	if err != nil {
		return Result{}, err
	}
	if resumed && e.variant == part.Obfuscated {
		// The keystream chain cannot be rewound to the interruption
		// point, so the whole source is reprocessed. The chain is
		// deterministic: unchanged parts regenerate identical bytes.
		e.logger.Warn("resuming an obfuscated snapshot reprocesses the source from the first part")
	}

	partBlockCount := e.partSize / e.blockSize

	var res Result
	res.Dir = dir

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "backup interrupted")
		}

		e.tracker.StartCycle()

		staging := part.StagingPath(dir, index)
		if err := os.Remove(staging); err != nil && !os.IsNotExist(err) {
			return res, errors.Wrap(err, "clearing stale staged part")
		}

		copied, err := blockcopy.CopyRange(e.source, staging, blockcopy.Range{
			BlockSize:  e.blockSize,
			BlockCount: partBlockCount,
			SkipBlocks: int64(index) * partBlockCount,
		})
		if err != nil {
			return res, errors.Wrapf(err, "copying part %d", index)
		}

		if copied == 0 {
			// Source ended exactly on a part boundary.
			if err := os.Remove(staging); err != nil {
				return res, errors.Wrap(err, "removing empty staged part")
			}
			break
		}

		if rate, ok := e.tracker.Average(); ok {
			e.logger.Info("processing part", "index", index, "speed", sizeparse.HumanRate(rate))
		} else {
			e.logger.Info("processing part", "index", index)
		}

		changed, err := e.commitPart(dir, index, staging)
		if err != nil {
			return res, err
		}
		if changed {
			res.Changed++
		}

		e.tracker.EndCycle(copied)
		res.Bytes += copied
		res.Parts = index + 1

		if copied < e.partSize {
			// Short part: end of source.
			break
		}
	}

	deleted, err := part.RemoveFrom(dir, res.Parts, e.variant)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted
	if deleted > 0 {
		e.logger.Info("removed stale trailing parts", "count", deleted)
	}

	if err := snapshot.WriteManifest(dir, snapshot.Manifest{
		CreatedAt: e.now().UTC(),
		Source:    e.source,
		Variant:   string(e.variant),
		PartSize:  e.partSize,
		BlockSize: e.blockSize,
		PartCount: res.Parts,
	}); err != nil {
		return res, err
	}

	final, err := e.manager.Finalize(dir)
	if err != nil {
		return res, err
	}
	res.Dir = final

	if err := e.manager.Prune(); err != nil {
		return res, err
	}

	e.logger.Info("backup completed",
		"dir", res.Dir,
		"parts", res.Parts,
		"changed", res.Changed,
		"read", sizeparse.Human(res.Bytes))
	return res, nil
}

// commitPart turns the staged part at index into its committed form and
// reports whether the committed part changed this run.
func (e *Engine) commitPart(dir string, index int, staging string) (bool, error) {
	switch e.variant {
	case part.Encrypted:
		if _, err := e.recaster.EncryptPart(staging, dir, index); err != nil {
			return false, errors.Wrapf(err, "encrypting part %d", index)
		}
		return true, nil
	case part.Obfuscated:
		if _, err := e.recaster.ObfuscatePart(staging, dir, index); err != nil {
			return false, errors.Wrapf(err, "obfuscating part %d", index)
		}
		return true, nil
	default:
		committed := part.Path(dir, index, part.Plain)
		changed, err := dedup.Reconcile(staging, committed, e.partSize, e.blockSize, e.keepNullParts)
		if err != nil {
			return false, errors.Wrapf(err, "reconciling part %d", index)
		}
		return changed, nil
	}
}
