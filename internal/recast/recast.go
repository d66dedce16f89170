// Package recast implements the two reversible part transforms:
// stateless authenticated encryption and stateful chained obfuscation.
//
// Authenticated encryption seals each part independently under a
// PBKDF2-derived key with AES-256-GCM; every part gets a fresh random
// nonce, so encrypted parts can never be deduplicated against a prior
// snapshot and the engine does not attempt it.
//
// Chained obfuscation XORs each part with the current digest of a
// rolling hash accumulator (see Chain) and produces output of exactly
// the input size. No expansion and no metadata means an obfuscated
// snapshot can be written back byte-for-byte onto the partition it came
// from, which is the reason to choose obfuscation over authenticated
// encryption when a 1:1 size mapping onto a physical device matters.
//
// Both transforms require zero-sentinel collapsing to be disabled for
// the run: transformed content never holds the all-zero pattern the
// sentinel stands for.
package recast

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/errgroup"

	"github.com/thoreinstein/partbak/internal/errors"
	"github.com/thoreinstein/partbak/internal/part"
)

const (
	// kdfIterations is the PBKDF2 iteration count for the encryption key.
	kdfIterations = 2_000_000
	// keyLength is the derived AES-256 key length.
	keyLength = 32
	// nonceLength is the GCM nonce size stored in front of each sealed part.
	nonceLength = 12

	// xorWorkers is the fixed fan-out for the per-part XOR transform.
	xorWorkers = 10
)

// Recaster applies and reverses the per-part transforms for one run.
// Construct one per backup or restore and use it for every part in
// strictly ascending index order when obfuscating.
type Recaster struct {
	passphrase []byte
	chain      *Chain

	// aeadKey is derived lazily: obfuscation-only runs never pay the
	// 2M-iteration KDF cost.
	aeadKey []byte
}

// New creates a Recaster for the given passphrase. strength selects the
// obfuscation chain hash (sha1 default); it does not affect the
// authenticated mode.
func New(passphrase string, strength Strength) (*Recaster, error) {
	chain, err := NewChain(passphrase, strength)
	if err != nil {
		return nil, err
	}
	return &Recaster{
		passphrase: []byte(passphrase),
		chain:      chain,
	}, nil
}

// Chain exposes the obfuscation chain state, primarily so restore can
// replay a prefix to rebuild it.
func (r *Recaster) Chain() *Chain {
	return r.chain
}

// key derives (once) the AES key for the authenticated mode:
// PBKDF2-HMAC-SHA256 with salt SHA1(passphrase), 2,000,000 iterations,
// 32 bytes out.
func (r *Recaster) key() []byte {
	if r.aeadKey == nil {
		salt := sha1.Sum(r.passphrase)
		r.aeadKey = pbkdf2.Key(r.passphrase, salt[:], kdfIterations, keyLength, sha256.New)
	}
	return r.aeadKey
}

// EncryptPart seals the staged plaintext part at stagingPath and writes
// the result to the encrypted-variant path for the given index inside
// dir. The staged plaintext is removed on success. Returns the path of
// the encrypted part.
func (r *Recaster) EncryptPart(stagingPath, dir string, index int) (string, error) {
	plaintext, err := os.ReadFile(stagingPath)
	if err != nil {
		return "", errors.Wrap(err, "reading staged part")
	}

	aead, err := newAEAD(r.key())
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	encPath := part.Path(dir, index, part.Encrypted)
	if err := os.WriteFile(encPath, sealed, 0600); err != nil {
		return "", errors.Wrapf(err, "writing encrypted part %d", index)
	}
	if err := os.Remove(stagingPath); err != nil {
		return "", errors.Wrap(err, "removing staged plaintext")
	}

	return encPath, nil
}

// DecryptPart opens the sealed part at encPath and returns its
// plaintext. An integrity failure is reported as corruption.
func (r *Recaster) DecryptPart(encPath string) ([]byte, error) {
	sealed, err := os.ReadFile(encPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading encrypted part")
	}
	if len(sealed) < nonceLength {
		return nil, errors.Mark(errors.Newf("encrypted part %s is truncated", encPath), errors.ErrCorrupted)
	}

	aead, err := newAEAD(r.key())
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:nonceLength], sealed[nonceLength:], nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decrypting %s", encPath), errors.ErrCorrupted)
	}

	return plaintext, nil
}

// ObfuscatePart transforms the staged plaintext part at stagingPath with
// the current chain keystream, writes the result to the
// obfuscated-variant path for index inside dir, removes the staged
// plaintext, and advances the chain with the plaintext hash. Parts MUST
// be obfuscated in ascending index order.
func (r *Recaster) ObfuscatePart(stagingPath, dir string, index int) (string, error) {
	data, err := os.ReadFile(stagingPath)
	if err != nil {
		return "", errors.Wrap(err, "reading staged part")
	}

	// The absorb value comes from the pre-transform plaintext.
	nextAbsorb := r.chain.HashPlaintext(data)

	xorKeystream(data, r.chain.Key())

	obfPath := part.Path(dir, index, part.Obfuscated)
	if err := os.WriteFile(obfPath, data, 0600); err != nil {
		return "", errors.Wrapf(err, "writing obfuscated part %d", index)
	}
	if err := os.Remove(stagingPath); err != nil {
		return "", errors.Wrap(err, "removing staged plaintext")
	}

	r.chain.Absorb(nextAbsorb)
	return obfPath, nil
}

// ClarifyPart reverses the chained obfuscation of the part at obfPath,
// returning the recovered plaintext and advancing the chain with its
// hash. Parts MUST be clarified in the same ascending order they were
// obfuscated in, from the same initial passphrase state.
func (r *Recaster) ClarifyPart(obfPath string) ([]byte, error) {
	data, err := os.ReadFile(obfPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading obfuscated part")
	}

	xorKeystream(data, r.chain.Key())

	// Symmetric with ObfuscatePart: the absorb value is the hash of the
	// recovered plaintext.
	r.chain.Absorb(r.chain.HashPlaintext(data))
	return data, nil
}

// newAEAD builds the AES-256-GCM primitive for the given key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "creating cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCM")
	}
	return aead, nil
}

// xorKeystream XORs data in place with key repeated over the whole
// buffer (data[j] ^= key[j mod len(key)]). The buffer is partitioned
// into xorWorkers contiguous sub-ranges transformed concurrently; each
// worker owns a disjoint slice, so there is no shared mutable state, and
// the group Wait is the join barrier before the result is used.
func xorKeystream(data, key []byte) {
	if len(data) == 0 {
		return
	}

	chunk := len(data) / xorWorkers
	if chunk == 0 {
		xorRange(data, 0, key)
		return
	}

	var g errgroup.Group
	offset := 0
	for w := 0; w < xorWorkers; w++ {
		sub := data[offset : offset+chunk]
		base := offset
		g.Go(func() error {
			xorRange(sub, base, key)
			return nil
		})
		offset += chunk
	}
	if offset < len(data) {
		sub := data[offset:]
		base := offset
		g.Go(func() error {
			xorRange(sub, base, key)
			return nil
		})
	}

	// Workers cannot fail; Wait is purely the join barrier.
	_ = g.Wait()
}

// xorRange XORs one sub-range in place. base is the sub-range's offset
// within the whole part, which keys the keystream phase.
func xorRange(sub []byte, base int, key []byte) {
	l := len(key)
	for j := range sub {
		sub[j] ^= key[(base+j)%l]
	}
}

// ParseStrength validates a user-supplied chain strength selector.
func ParseStrength(s string) (Strength, error) {
	switch Strength(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrengthSHA1:
		return StrengthSHA1, nil
	case StrengthSHA256:
		return StrengthSHA256, nil
	default:
		return "", errors.Mark(
			errors.Newf("unsupported chain hash strength %q (want sha1 or sha256)", s),
			errors.ErrInvalidConfig)
	}
}
