package skipchain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/jinzhu/copier"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/roster"
)

// Upper bounds on the height parameters a chain can be created with.
const (
	MaxBaseHeight    = 1 << 16
	MaxMaximumHeight = 32
)

// SkipBlockFix is the part of a block covered by its hash.
type SkipBlockFix struct {
	Index         int
	Height        int
	MaximumHeight int
	BaseHeight    int
	BackLinkIDs   []SkipBlockID
	GenesisID     SkipBlockID
	Data          []byte
	Roster        *roster.Roster
}

// SkipBlock is a block plus the forward links added after it was created.
type SkipBlock struct {
	SkipBlockFix
	Hash        SkipBlockID
	ForwardLink []*ForwardLink
}

// NewSkipBlock returns an empty block with height parameters of one.
func NewSkipBlock() *SkipBlock {
	return &SkipBlock{SkipBlockFix: SkipBlockFix{
		Height:        1,
		MaximumHeight: 1,
		BaseHeight:    1,
	}}
}

// CalculateHash hashes the fixed part of the block.
func (sbf *SkipBlockFix) CalculateHash() SkipBlockID {
	h := sha256.New()
	var num [8]byte
	for _, v := range []int{sbf.Index, sbf.Height, sbf.MaximumHeight, sbf.BaseHeight, len(sbf.BackLinkIDs)} {
		binary.LittleEndian.PutUint64(num[:], uint64(v))
		h.Write(num[:])
	}
	for _, bl := range sbf.BackLinkIDs {
		h.Write(bl)
	}
	h.Write(sbf.GenesisID)
	binary.LittleEndian.PutUint64(num[:], uint64(len(sbf.Data)))
	h.Write(num[:])
	h.Write(sbf.Data)
	if sbf.Roster != nil {
		h.Write(sbf.Roster.IdentityHash())
	}
	return h.Sum(nil)
}

// UpdateHash recomputes and stores the block hash.
func (sb *SkipBlock) UpdateHash() SkipBlockID {
	sb.Hash = sb.CalculateHash()
	return sb.Hash
}

// SkipChainID returns the ID of the chain the block belongs to.
func (sb *SkipBlock) SkipChainID() SkipBlockID {
	if sb.Index == 0 {
		return sb.Hash
	}
	return sb.GenesisID
}

// Equal compares blocks by hash.
func (sb *SkipBlock) Equal(o *SkipBlock) bool {
	if sb == nil || o == nil {
		return sb == o
	}
	return sb.Hash.Equal(o.Hash)
}

// Copy returns a deep copy, so callers can change forward links without
// touching stored blocks.
func (sb *SkipBlock) Copy() *SkipBlock {
	if sb == nil {
		return nil
	}
	out := &SkipBlock{}
	if err := copier.CopyWithOption(out, sb, copier.Option{DeepCopy: true}); err != nil {
		panic(fmt.Sprintf("copy skipblock: %v", err))
	}
	return out
}

// GetForward returns the forward link at level, or nil.
func (sb *SkipBlock) GetForward(level int) *ForwardLink {
	if level < 0 || level >= len(sb.ForwardLink) {
		return nil
	}
	return sb.ForwardLink[level]
}

// LatestForward returns the highest forward link, or nil.
func (sb *SkipBlock) LatestForward() *ForwardLink {
	return sb.GetForward(len(sb.ForwardLink) - 1)
}

// AddForwardLink sets the forward link at level. Levels are filled in order,
// and a set level is never replaced.
func (sb *SkipBlock) AddForwardLink(fl *ForwardLink, level int) error {
	switch {
	case level >= sb.Height:
		return fmt.Errorf("%w: level %d on block of height %d", ErrInvalidParameters, level, sb.Height)
	case level < len(sb.ForwardLink):
		return fmt.Errorf("%w: block %d level %d", ErrForwardLinkExists, sb.Index, level)
	case level > len(sb.ForwardLink):
		return fmt.Errorf("%w: block %d has %d forward links, cannot set level %d", ErrInvalidParameters, sb.Index, len(sb.ForwardLink), level)
	}
	if !fl.From.Equal(sb.Hash) {
		return fmt.Errorf("%w: link does not start at block %d", ErrBrokenLink, sb.Index)
	}
	sb.ForwardLink = append(sb.ForwardLink, fl)
	return nil
}

// CheckRosters validates the block roster and every roster carried by its
// forward links. Blocks decoded from the network must pass it before their
// rosters are hashed or searched.
func (sb *SkipBlock) CheckRosters() error {
	if err := sb.Roster.Validate(); err != nil {
		return fmt.Errorf("%w: block %d roster: %w", ErrInvalidParameters, sb.Index, err)
	}
	for level, fl := range sb.ForwardLink {
		if fl == nil || fl.NewRoster == nil {
			continue
		}
		if err := fl.NewRoster.Validate(); err != nil {
			return fmt.Errorf("%w: block %d level %d new roster: %w", ErrInvalidParameters, sb.Index, level, err)
		}
	}
	return nil
}

// VerifyForwardSignatures checks every forward link against this block's
// roster.
func (sb *SkipBlock) VerifyForwardSignatures() error {
	for level, fl := range sb.ForwardLink {
		if fl == nil {
			continue
		}
		if !fl.From.Equal(sb.Hash) {
			return fmt.Errorf("%w: block %d level %d", ErrBrokenLink, sb.Index, level)
		}
		if err := fl.Verify(sb.Roster); err != nil {
			return fmt.Errorf("block %d level %d: %w", sb.Index, level, err)
		}
	}
	return nil
}

func (sb *SkipBlock) String() string {
	return fmt.Sprintf("block %d %s (height %d, %d forward)", sb.Index, sb.Hash.Short(), sb.Height, len(sb.ForwardLink))
}

// ForwardLink points from a block to a later block and carries the
// collective signature of the From block's roster.
type ForwardLink struct {
	From      SkipBlockID
	To        SkipBlockID
	NewRoster *roster.Roster
	Signature cosi.Signature
}

// NewForwardLink returns an unsigned link from one block to another. NewRoster
// is set only when the roster changes.
func NewForwardLink(from, to *SkipBlock) *ForwardLink {
	fl := &ForwardLink{From: from.Hash, To: to.Hash}
	if !from.Roster.Equal(to.Roster) {
		fl.NewRoster = to.Roster
	}
	return fl
}

// Hash is the message signed by the From roster.
func (fl *ForwardLink) Hash() []byte {
	h := sha256.New()
	h.Write(fl.From)
	h.Write(fl.To)
	if fl.NewRoster != nil {
		h.Write(fl.NewRoster.IdentityHash())
	}
	return h.Sum(nil)
}

// Verify checks the signature against signers under the default threshold.
func (fl *ForwardLink) Verify(signers *roster.Roster) error {
	if signers.Len() == 0 {
		return ErrMissingRoster
	}
	if err := signers.Validate(); err != nil {
		return fmt.Errorf("%w: signers: %w", ErrInvalidParameters, err)
	}
	if fl.NewRoster != nil {
		if err := fl.NewRoster.Validate(); err != nil {
			return fmt.Errorf("%w: new roster: %w", ErrInvalidParameters, err)
		}
	}
	if err := cosi.Verify(signers.Publics(), fl.Hash(), fl.Signature, cosi.DefaultPolicy(signers.Len())); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// ComputeHeight returns the height of the block at index: the maximum height
// for the genesis block, otherwise one plus the number of powers of base
// dividing index, capped at maxHeight.
func ComputeHeight(index, base, maxHeight int) int {
	if index == 0 {
		return maxHeight
	}
	height := 1
	if base <= 1 {
		return height
	}
	for step := base; height < maxHeight && index%step == 0; step *= base {
		height++
		if step > index/base {
			break
		}
	}
	return height
}

// ValidateHeights checks the height parameters of a new chain.
func ValidateHeights(base, maxHeight int) error {
	if base < 1 || base > MaxBaseHeight {
		return fmt.Errorf("%w: base height %d not in [1, %d]", ErrInvalidParameters, base, MaxBaseHeight)
	}
	if maxHeight < 1 || maxHeight > MaxMaximumHeight {
		return fmt.Errorf("%w: maximum height %d not in [1, %d]", ErrInvalidParameters, maxHeight, MaxMaximumHeight)
	}
	return nil
}

// BackLinkIndex returns the index of the block that back-link level of the
// block at index points to.
func BackLinkIndex(index, level, base int) int {
	step := 1
	for i := 0; i < level; i++ {
		step *= base
	}
	return ((index - 1) / step) * step
}
