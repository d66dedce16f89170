package recast

import (
	"crypto/sha1"
	"crypto/sha256"
	"hash"

	"github.com/thoreinstein/partbak/internal/errors"
)

// Strength selects the hash function backing the obfuscation chain
// accumulator.
type Strength string

const (
	// StrengthSHA1 uses SHA-1 (20-byte keystream period). The default,
	// matching the historical on-disk format.
	StrengthSHA1 Strength = "sha1"
	// StrengthSHA256 uses SHA-256 (32-byte keystream period).
	StrengthSHA256 Strength = "sha256"
)

// Chain is the obfuscation chain state: an incremental hash accumulator
// seeded from the passphrase whose digest supplies the keystream for the
// next part. Each processed part absorbs the hash of its plaintext, so
// the keystream for part i depends on every part before it.
//
// A Chain exists only for the duration of one backup or restore run; it
// has no persisted representation. It must be advanced in strictly
// ascending part-index order on both the forward and reverse path;
// skipping or reordering a part desynchronizes every later key.
//
// Chain is an explicit object owned by its caller, never shared across
// goroutines.
type Chain struct {
	acc      hash.Hash
	strength Strength
}

// NewChain creates a chain accumulator for the given passphrase.
// An unsupported strength is a configuration error.
func NewChain(passphrase string, strength Strength) (*Chain, error) {
	if strength == "" {
		strength = StrengthSHA1
	}

	var acc hash.Hash
	switch strength {
	case StrengthSHA1:
		acc = sha1.New()
	case StrengthSHA256:
		acc = sha256.New()
	default:
		return nil, errors.Mark(
			errors.Newf("unsupported chain hash strength %q (want sha1 or sha256)", strength),
			errors.ErrInvalidConfig)
	}

	acc.Write([]byte(passphrase))
	return &Chain{acc: acc, strength: strength}, nil
}

// Key returns the keystream for the next part: the accumulator's current
// digest. The accumulator state is not disturbed.
func (c *Chain) Key() []byte {
	return c.acc.Sum(nil)
}

// Absorb feeds the hash of a processed part's plaintext into the
// accumulator, advancing the chain for the next part.
func (c *Chain) Absorb(plaintextHash []byte) {
	c.acc.Write(plaintextHash)
}

// HashPlaintext computes the plaintext digest that Absorb expects, using
// the chain's configured hash function.
func (c *Chain) HashPlaintext(plaintext []byte) []byte {
	switch c.strength {
	case StrengthSHA256:
		sum := sha256.Sum256(plaintext)
		return sum[:]
	default:
		sum := sha1.Sum(plaintext)
		return sum[:]
	}
}
