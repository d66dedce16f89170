package config

import (
	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/recast"
	"github.com/thoreinstein/partbak/internal/sizeparse"
	"github.com/thoreinstein/partbak/internal/snapshot"
)

// Validation errors for configuration fields.
var (
	// ErrNegativeRetention indicates the snapshots field is negative.
	ErrNegativeRetention = errors.Mark(errors.New("snapshots must be >= 0"), errors.ErrInvalidConfig)

	// ErrInvalidLink indicates an unrecognized link style.
	ErrInvalidLink = errors.Mark(errors.New("link must be \"hard\" or \"soft\""), errors.ErrInvalidConfig)

	// ErrSizesMisaligned indicates the part size is not a multiple of the
	// block size.
	ErrSizesMisaligned = errors.Mark(errors.New("part_size must be a multiple of block_size"), errors.ErrInvalidConfig)
)

// Validate checks a Config for validity.
// Returns nil if valid, or a slice of validation errors.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{errors.New("config is nil")}
	}

	var errs []error

	blockSize, err := sizeparse.Parse(cfg.BlockSize)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "block_size"))
	} else if blockSize <= 0 {
		errs = append(errs, errors.Mark(errors.New("block_size must be positive"), errors.ErrInvalidConfig))
	}
	partSize, err := sizeparse.Parse(cfg.PartSize)
	if err != nil {
		errs = append(errs, errors.Wrap(err, "part_size"))
	} else if partSize <= 0 {
		errs = append(errs, errors.Mark(errors.New("part_size must be positive"), errors.ErrInvalidConfig))
	}
	if blockSize > 0 && partSize > 0 && partSize%blockSize != 0 {
		errs = append(errs, ErrSizesMisaligned)
	}

	if cfg.Snapshots < 0 {
		errs = append(errs, ErrNegativeRetention)
	}

	switch snapshot.LinkStyle(cfg.Link) {
	case snapshot.LinkHard, snapshot.LinkSoft, "":
	default:
		errs = append(errs, ErrInvalidLink)
	}

	if _, err := recast.ParseStrength(cfg.ChainHash); err != nil {
		errs = append(errs, errors.Wrap(err, "chain_hash"))
	}

	return errs
}
