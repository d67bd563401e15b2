package skipchain

import "fmt"

// BlockLookup returns the block at index of the chain being extended.
type BlockLookup func(index int) (*SkipBlock, error)

// PrepareNext turns proposal into the successor of latest: it sets index,
// genesis, height parameters and back-links, defaults the roster to the
// latest one and updates the hash. It returns the blocks that must receive a
// forward link to the new block, indexed by level.
func PrepareNext(latest, proposal *SkipBlock, lookup BlockLookup) ([]*SkipBlock, error) {
	if latest == nil || proposal == nil {
		return nil, fmt.Errorf("%w: missing block", ErrInvalidParameters)
	}
	proposal.Index = latest.Index + 1
	proposal.GenesisID = latest.SkipChainID()
	proposal.BaseHeight = latest.BaseHeight
	proposal.MaximumHeight = latest.MaximumHeight
	if proposal.Roster == nil {
		proposal.Roster = latest.Roster
	}
	proposal.Height = ComputeHeight(proposal.Index, proposal.BaseHeight, proposal.MaximumHeight)
	proposal.BackLinkIDs = make([]SkipBlockID, proposal.Height)
	proposal.ForwardLink = nil

	targets := make([]*SkipBlock, proposal.Height)
	for level := 0; level < proposal.Height; level++ {
		idx := BackLinkIndex(proposal.Index, level, proposal.BaseHeight)
		var (
			back *SkipBlock
			err  error
		)
		if idx == latest.Index {
			back = latest
		} else if back, err = lookup(idx); err != nil {
			return nil, fmt.Errorf("back-link %d to block %d: %w", level, idx, err)
		}
		if back.Height <= level {
			return nil, fmt.Errorf("%w: block %d has height %d, need level %d", ErrBrokenLink, back.Index, back.Height, level)
		}
		proposal.BackLinkIDs[level] = back.Hash
		targets[level] = back
	}
	proposal.UpdateHash()
	return targets, nil
}
