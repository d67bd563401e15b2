package cosi

import (
	"fmt"
	"math/bits"
)

// Mask records which members of a roster took part in a signature. Bit i
// (LSB first within each byte) stands for the i-th roster member.
type Mask struct {
	n    int
	bits []byte
}

func maskLen(n int) int {
	return (n + 7) / 8
}

// NewMask returns an empty mask over n members.
func NewMask(n int) *Mask {
	return &Mask{n: n, bits: make([]byte, maskLen(n))}
}

// MaskFromBytes parses a mask over n members. Bits beyond n must be unset.
func MaskFromBytes(b []byte, n int) (*Mask, error) {
	if len(b) != maskLen(n) {
		return nil, fmt.Errorf("%w: mask length %d for %d members", ErrMalformedSignature, len(b), n)
	}
	m := &Mask{n: n, bits: append([]byte(nil), b...)}
	for i := n; i < len(b)*8; i++ {
		if m.bits[i/8]&(1<<(i%8)) != 0 {
			return nil, fmt.Errorf("%w: mask bit %d beyond %d members", ErrMalformedSignature, i, n)
		}
	}
	return m, nil
}

// Len returns the number of members covered by the mask.
func (m *Mask) Len() int { return m.n }

// Set marks member i as participating or not.
func (m *Mask) Set(i int, on bool) error {
	if i < 0 || i >= m.n {
		return fmt.Errorf("mask index %d out of range [0,%d)", i, m.n)
	}
	if on {
		m.bits[i/8] |= 1 << (i % 8)
	} else {
		m.bits[i/8] &^= 1 << (i % 8)
	}
	return nil
}

// SetAll marks every member as participating.
func (m *Mask) SetAll() {
	for i := 0; i < m.n; i++ {
		m.bits[i/8] |= 1 << (i % 8)
	}
}

// IsSet reports whether member i participates.
func (m *Mask) IsSet(i int) bool {
	if i < 0 || i >= m.n {
		return false
	}
	return m.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of participants.
func (m *Mask) Count() int {
	c := 0
	for _, b := range m.bits {
		c += bits.OnesCount8(b)
	}
	return c
}

// Bytes returns a copy of the bitmap.
func (m *Mask) Bytes() []byte {
	return append([]byte(nil), m.bits...)
}
