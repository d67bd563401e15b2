// Package skipchain holds the skipchain data model: blocks, back and forward
// links, the messages exchanged with conodes, and verification of update
// chains returned by untrusted nodes.
package skipchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/kjstillabower/skipchain/internal/validation"
)

// IDSize is the length of a block hash.
const IDSize = sha256.Size

// SkipBlockID is the SHA-256 hash of a block. The ID of a chain is the hash
// of its genesis block.
type SkipBlockID []byte

// ParseSkipBlockID decodes a hex-encoded block ID.
func ParseSkipBlockID(s string) (SkipBlockID, error) {
	b, err := validation.ValidateHexID(s, IDSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	return b, nil
}

func (id SkipBlockID) String() string {
	return hex.EncodeToString(id)
}

// Short returns the first 8 hex characters for log lines.
func (id SkipBlockID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id SkipBlockID) Equal(o SkipBlockID) bool {
	return bytes.Equal(id, o)
}

// IsNull reports whether the ID is unset.
func (id SkipBlockID) IsNull() bool {
	return len(id) == 0
}
