// Package cosi implements collective Schnorr signatures over edwards25519.
//
// A round has the leader collect commitments V_i = v_i*B from the
// participants, derive the challenge c = H(V || A || msg) from the aggregate
// commitment V and the aggregate public key A of the participants, and
// collect responses r_i = v_i + c*x_i. The signature V || R || mask verifies
// when R*B == V + c*A.
package cosi

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// SeedSize is the length of a private key seed.
const SeedSize = 32

var ErrInvalidSeed = errors.New("invalid key seed")

// KeyPair is a conode signing key.
type KeyPair struct {
	Private *edwards25519.Scalar
	Public  []byte
	seed    []byte
}

// KeyPairFromSeed expands seed the way Ed25519 does: SHA-512 and clamp the
// lower half.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidSeed, len(seed), SeedSize)
	}
	h := sha512.Sum512(seed)
	x, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	pub := new(edwards25519.Point).ScalarBaseMult(x)
	return &KeyPair{
		Private: x,
		Public:  pub.Bytes(),
		seed:    append([]byte(nil), seed...),
	}, nil
}

// NewKeyPair generates a key from rand.
func NewKeyPair(rand io.Reader) (*KeyPair, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return KeyPairFromSeed(seed)
}

// Seed returns a copy of the seed the key was derived from.
func (kp *KeyPair) Seed() []byte {
	return append([]byte(nil), kp.seed...)
}
