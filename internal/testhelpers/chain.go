// Package testhelpers builds signed chains and in-process conode networks for
// tests.
package testhelpers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

// NewKeys returns n key pairs and a roster over them with placeholder
// addresses.
func NewKeys(t testing.TB, n int) ([]*cosi.KeyPair, *roster.Roster) {
	t.Helper()
	keys := make([]*cosi.KeyPair, n)
	list := make([]*roster.ServerIdentity, n)
	for i := range keys {
		kp, err := cosi.NewKeyPair(rand.Reader)
		if err != nil {
			t.Fatalf("NewKeyPair: %v", err)
		}
		keys[i] = kp
		list[i] = roster.NewServerIdentity(kp.Public, fmt.Sprintf("127.0.0.1:%d", 7000+2*i))
	}
	return keys, roster.NewRoster(list)
}

// ChainBuilder grows a chain in memory, signing forward links with every key
// of the roster they leave.
type ChainBuilder struct {
	Blocks []*skipchain.SkipBlock
	keys   map[string]*cosi.KeyPair
}

// NewChainBuilder creates a genesis block for r, signed later with keys.
func NewChainBuilder(t testing.TB, keys []*cosi.KeyPair, r *roster.Roster, base, maxHeight int) *ChainBuilder {
	t.Helper()
	b := &ChainBuilder{keys: make(map[string]*cosi.KeyPair)}
	b.AddKeys(keys...)
	gen := skipchain.NewSkipBlock()
	gen.Roster = r
	gen.BaseHeight = base
	gen.MaximumHeight = maxHeight
	gen.Height = maxHeight
	gen.Data = []byte("genesis")
	gen.UpdateHash()
	b.Blocks = append(b.Blocks, gen)
	return b
}

// AddKeys makes more signing keys known, for roster changes.
func (b *ChainBuilder) AddKeys(keys ...*cosi.KeyPair) {
	for _, kp := range keys {
		b.keys[hex.EncodeToString(kp.Public)] = kp
	}
}

// Genesis returns the first block.
func (b *ChainBuilder) Genesis() *skipchain.SkipBlock { return b.Blocks[0] }

// Latest returns the newest block.
func (b *ChainBuilder) Latest() *skipchain.SkipBlock { return b.Blocks[len(b.Blocks)-1] }

// Add appends a block with data, keeping the roster unless r is non-nil.
func (b *ChainBuilder) Add(t testing.TB, data []byte, r *roster.Roster) *skipchain.SkipBlock {
	t.Helper()
	nb := skipchain.NewSkipBlock()
	nb.Data = data
	nb.Roster = r
	targets, err := skipchain.PrepareNext(b.Latest(), nb, func(i int) (*skipchain.SkipBlock, error) {
		if i < 0 || i >= len(b.Blocks) {
			return nil, skipchain.ErrBlockNotFound
		}
		return b.Blocks[i], nil
	})
	if err != nil {
		t.Fatalf("PrepareNext: %v", err)
	}
	for level, from := range targets {
		fl := skipchain.NewForwardLink(from, nb)
		fl.Signature = b.Sign(t, from.Roster, fl.Hash())
		if err := from.AddForwardLink(fl, level); err != nil {
			t.Fatalf("AddForwardLink: %v", err)
		}
	}
	b.Blocks = append(b.Blocks, nb)
	return nb
}

// Sign signs msg with every key of r.
func (b *ChainBuilder) Sign(t testing.TB, r *roster.Roster, msg []byte) cosi.Signature {
	t.Helper()
	keys := make([]*cosi.KeyPair, r.Len())
	for i, si := range r.List {
		kp, ok := b.keys[hex.EncodeToString(si.Public)]
		if !ok {
			t.Fatalf("no key for %s", si.Address)
		}
		keys[i] = kp
	}
	mask := cosi.NewMask(len(keys))
	mask.SetAll()
	sig, err := cosi.Sign(msg, keys, mask, rand.Reader)
	if err != nil {
		t.Fatalf("cosi.Sign: %v", err)
	}
	return sig
}

// UpdateChain walks from block index from along the highest forward links,
// the way a conode answers GetUpdateChain. Blocks are copies.
func (b *ChainBuilder) UpdateChain(from int) []*skipchain.SkipBlock {
	byHash := make(map[string]*skipchain.SkipBlock, len(b.Blocks))
	for _, sb := range b.Blocks {
		byHash[sb.Hash.String()] = sb
	}
	cur := b.Blocks[from]
	out := []*skipchain.SkipBlock{cur.Copy()}
	for {
		fl := cur.LatestForward()
		if fl == nil {
			return out
		}
		cur = byHash[fl.To.String()]
		out = append(out, cur.Copy())
	}
}
