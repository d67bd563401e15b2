package cosi

import (
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

const (
	pointSize  = 32
	scalarSize = 32
)

var (
	ErrInvalidSignature    = errors.New("invalid collective signature")
	ErrInsufficientSigners = errors.New("insufficient signers")
	ErrMalformedSignature  = errors.New("malformed collective signature")
)

// Signature is V || R || mask.
type Signature []byte

// NewSignature assembles the aggregate commitment, the aggregate response and
// the participation mask.
func NewSignature(aggCommit, aggResponse []byte, mask *Mask) Signature {
	sig := make([]byte, 0, pointSize+scalarSize+len(mask.bits))
	sig = append(sig, aggCommit...)
	sig = append(sig, aggResponse...)
	return append(sig, mask.bits...)
}

// Mask extracts the participation mask for a roster of n members.
func (s Signature) Mask(n int) (*Mask, error) {
	if len(s) != pointSize+scalarSize+maskLen(n) {
		return nil, fmt.Errorf("%w: length %d for %d members", ErrMalformedSignature, len(s), n)
	}
	return MaskFromBytes(s[pointSize+scalarSize:], n)
}

// Commit draws the secret nonce of one participant for msg, derived from the
// private seed and fresh randomness, and returns it with its commitment.
func Commit(kp *KeyPair, msg []byte, rand io.Reader) (*edwards25519.Scalar, []byte, error) {
	fresh := make([]byte, 32)
	if _, err := io.ReadFull(rand, fresh); err != nil {
		return nil, nil, fmt.Errorf("read nonce randomness: %w", err)
	}
	wide := make([]byte, 64)
	kdf := hkdf.New(sha512.New, append(kp.Seed(), fresh...), nil, msg)
	if _, err := io.ReadFull(kdf, wide); err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}
	v, err := edwards25519.NewScalar().SetUniformBytes(wide)
	if err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}
	return v, new(edwards25519.Point).ScalarBaseMult(v).Bytes(), nil
}

// AggregatePoints sums encoded points. Nil entries are skipped.
func AggregatePoints(points [][]byte) ([]byte, error) {
	sum := edwards25519.NewIdentityPoint()
	for i, b := range points {
		if b == nil {
			continue
		}
		p, err := new(edwards25519.Point).SetBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: point %d: %v", ErrMalformedSignature, i, err)
		}
		sum.Add(sum, p)
	}
	return sum.Bytes(), nil
}

// AggregateCommitments sums the commitments of the members set in mask.
func AggregateCommitments(commits [][]byte, mask *Mask) ([]byte, error) {
	return AggregatePoints(selected(commits, mask))
}

// AggregatePublics sums the public keys of the members set in mask.
func AggregatePublics(publics [][]byte, mask *Mask) ([]byte, error) {
	if len(publics) != mask.Len() {
		return nil, fmt.Errorf("%w: %d keys for mask over %d", ErrMalformedSignature, len(publics), mask.Len())
	}
	return AggregatePoints(selected(publics, mask))
}

func selected(items [][]byte, mask *Mask) [][]byte {
	out := make([][]byte, 0, mask.Count())
	for i, it := range items {
		if mask.IsSet(i) {
			out = append(out, it)
		}
	}
	return out
}

// Challenge derives c = SHA-512(V || A || msg) reduced mod l.
func Challenge(aggCommit, aggPublic, msg []byte) (*edwards25519.Scalar, error) {
	h := sha512.New()
	h.Write(aggCommit)
	h.Write(aggPublic)
	h.Write(msg)
	c, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	return c, nil
}

// Response computes r = v + c*x.
func Response(kp *KeyPair, secret, challenge *edwards25519.Scalar) []byte {
	return edwards25519.NewScalar().MultiplyAdd(challenge, kp.Private, secret).Bytes()
}

// AggregateResponses sums encoded scalars.
func AggregateResponses(responses [][]byte) ([]byte, error) {
	sum := edwards25519.NewScalar()
	for i, b := range responses {
		if b == nil {
			continue
		}
		r, err := edwards25519.NewScalar().SetCanonicalBytes(b)
		if err != nil {
			return nil, fmt.Errorf("%w: response %d: %v", ErrMalformedSignature, i, err)
		}
		sum.Add(sum, r)
	}
	return sum.Bytes(), nil
}

// Sign produces a collective signature with every key whose bit is set in
// mask, all in one process. keys are in roster order.
func Sign(msg []byte, keys []*KeyPair, mask *Mask, rand io.Reader) (Signature, error) {
	if len(keys) != mask.Len() {
		return nil, fmt.Errorf("%d keys for mask over %d", len(keys), mask.Len())
	}
	n := len(keys)
	secrets := make([]*edwards25519.Scalar, n)
	commits := make([][]byte, n)
	publics := make([][]byte, n)
	for i, kp := range keys {
		publics[i] = kp.Public
		if !mask.IsSet(i) {
			continue
		}
		v, V, err := Commit(kp, msg, rand)
		if err != nil {
			return nil, err
		}
		secrets[i], commits[i] = v, V
	}
	aggV, err := AggregateCommitments(commits, mask)
	if err != nil {
		return nil, err
	}
	aggA, err := AggregatePublics(publics, mask)
	if err != nil {
		return nil, err
	}
	c, err := Challenge(aggV, aggA, msg)
	if err != nil {
		return nil, err
	}
	responses := make([][]byte, n)
	for i, kp := range keys {
		if mask.IsSet(i) {
			responses[i] = Response(kp, secrets[i], c)
		}
	}
	aggR, err := AggregateResponses(responses)
	if err != nil {
		return nil, err
	}
	return NewSignature(aggV, aggR, mask), nil
}

// Verify checks sig on msg against the roster publics and the policy.
func Verify(publics [][]byte, msg []byte, sig Signature, policy Policy) error {
	mask, err := sig.Mask(len(publics))
	if err != nil {
		return err
	}
	if policy != nil && !policy.Check(mask.Count(), len(publics)) {
		return fmt.Errorf("%w: %d of %d", ErrInsufficientSigners, mask.Count(), len(publics))
	}
	V, err := new(edwards25519.Point).SetBytes(sig[:pointSize])
	if err != nil {
		return fmt.Errorf("%w: commitment: %v", ErrMalformedSignature, err)
	}
	R, err := edwards25519.NewScalar().SetCanonicalBytes(sig[pointSize : pointSize+scalarSize])
	if err != nil {
		return fmt.Errorf("%w: response: %v", ErrMalformedSignature, err)
	}
	aggA, err := AggregatePublics(publics, mask)
	if err != nil {
		return err
	}
	A, err := new(edwards25519.Point).SetBytes(aggA)
	if err != nil {
		return fmt.Errorf("%w: aggregate key: %v", ErrMalformedSignature, err)
	}
	c, err := Challenge(sig[:pointSize], aggA, msg)
	if err != nil {
		return err
	}
	lhs := new(edwards25519.Point).ScalarBaseMult(R)
	rhs := new(edwards25519.Point).ScalarMult(c, A)
	rhs.Add(rhs, V)
	if lhs.Equal(rhs) != 1 {
		return ErrInvalidSignature
	}
	return nil
}
