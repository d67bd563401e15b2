package skipchain

import "fmt"

// VerifyUpdateChain checks that update is a chain of blocks starting at the
// trusted block, each one linked to the next by a forward link signed by the
// roster of the block it leaves. On success the last block is authenticated.
func VerifyUpdateChain(trusted SkipBlockID, update []*SkipBlock) error {
	if len(update) == 0 {
		return ErrEmptyUpdateChain
	}
	if update[0] == nil || !update[0].Hash.Equal(trusted) {
		return fmt.Errorf("%w: want %s", ErrUnexpectedStart, trusted.Short())
	}
	for i, sb := range update {
		if sb == nil {
			return fmt.Errorf("%w: nil block at position %d", ErrHashMismatch, i)
		}
		if err := sb.CheckRosters(); err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
		if !sb.CalculateHash().Equal(sb.Hash) {
			return fmt.Errorf("%w: block %d at position %d", ErrHashMismatch, sb.Index, i)
		}
	}
	for i := 1; i < len(update); i++ {
		if err := verifyStep(update[i-1], update[i]); err != nil {
			return fmt.Errorf("position %d: %w", i, err)
		}
	}
	return nil
}

// linkTo returns the forward link of prev pointing at next, preferring the
// level both blocks share.
func linkTo(prev, next *SkipBlock) *ForwardLink {
	level := min(prev.Height, next.Height) - 1
	if fl := prev.GetForward(level); fl != nil && fl.To.Equal(next.Hash) {
		return fl
	}
	for _, fl := range prev.ForwardLink {
		if fl != nil && fl.To.Equal(next.Hash) {
			return fl
		}
	}
	return nil
}

func verifyStep(prev, next *SkipBlock) error {
	if next.Index <= prev.Index {
		return fmt.Errorf("%w: index %d after %d", ErrBrokenLink, next.Index, prev.Index)
	}
	if !next.SkipChainID().Equal(prev.SkipChainID()) {
		return fmt.Errorf("%w: block %d belongs to another chain", ErrBrokenLink, next.Index)
	}
	fl := linkTo(prev, next)
	if fl == nil {
		return fmt.Errorf("%w: no link from block %d to block %d", ErrBrokenLink, prev.Index, next.Index)
	}
	if !fl.From.Equal(prev.Hash) {
		return fmt.Errorf("%w: link on block %d starts elsewhere", ErrBrokenLink, prev.Index)
	}
	if err := fl.Verify(prev.Roster); err != nil {
		return fmt.Errorf("link %d->%d: %w", prev.Index, next.Index, err)
	}
	if fl.NewRoster != nil {
		if !fl.NewRoster.Equal(next.Roster) {
			return fmt.Errorf("%w: block %d", ErrRosterMismatch, next.Index)
		}
	} else if !prev.Roster.Equal(next.Roster) {
		return fmt.Errorf("%w: unsigned roster change at block %d", ErrRosterMismatch, next.Index)
	}
	return nil
}

// VerifyLinks checks a proof from genesis to target made of forward links.
// The signing roster starts as the genesis roster and switches whenever a
// link carries a new roster.
func VerifyLinks(genesis *SkipBlock, links []*ForwardLink, target *SkipBlock) error {
	if genesis == nil || target == nil {
		return fmt.Errorf("%w: missing genesis or target", ErrInvalidParameters)
	}
	if genesis.Index != 0 {
		return fmt.Errorf("%w: block %d is not a genesis block", ErrInvalidParameters, genesis.Index)
	}
	for _, sb := range []*SkipBlock{genesis, target} {
		if err := sb.CheckRosters(); err != nil {
			return err
		}
		if !sb.CalculateHash().Equal(sb.Hash) {
			return fmt.Errorf("%w: block %d", ErrHashMismatch, sb.Index)
		}
	}
	if !target.SkipChainID().Equal(genesis.Hash) {
		return fmt.Errorf("%w: target belongs to another chain", ErrBrokenLink)
	}
	cur := genesis.Hash
	signers := genesis.Roster
	for i, fl := range links {
		if fl == nil || !fl.From.Equal(cur) {
			return fmt.Errorf("%w: link %d does not continue the proof", ErrBrokenLink, i)
		}
		if err := fl.Verify(signers); err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
		if fl.NewRoster != nil {
			signers = fl.NewRoster
		}
		cur = fl.To
	}
	if !cur.Equal(target.Hash) {
		return fmt.Errorf("%w: proof ends at %s, want %s", ErrBrokenLink, cur.Short(), target.Hash.Short())
	}
	if !signers.Equal(target.Roster) {
		return fmt.Errorf("%w: block %d", ErrRosterMismatch, target.Index)
	}
	return nil
}
