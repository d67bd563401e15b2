package skipchain_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/testhelpers"
)

// eightBlocks returns a chain 0..7 with base 2 and maximum height 3. The
// update chain from genesis is 0 -> 4 -> 6 -> 7.
func eightBlocks(t *testing.T) *testhelpers.ChainBuilder {
	keys, r := testhelpers.NewKeys(t, 4)
	b := testhelpers.NewChainBuilder(t, keys, r, 2, 3)
	for i := 1; i < 8; i++ {
		b.Add(t, []byte{byte(i)}, nil)
	}
	return b
}

func TestVerifyUpdateChain_Valid(t *testing.T) {
	b := eightBlocks(t)
	update := b.UpdateChain(0)
	indexes := make([]int, len(update))
	for i, sb := range update {
		indexes[i] = sb.Index
	}
	require.Equal(t, []int{0, 4, 6, 7}, indexes)
	require.NoError(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, update))

	fromMiddle := b.UpdateChain(5)
	require.NoError(t, skipchain.VerifyUpdateChain(b.Blocks[5].Hash, fromMiddle))
	require.True(t, fromMiddle[len(fromMiddle)-1].Equal(b.Latest()))

	single := b.UpdateChain(7)
	require.Len(t, single, 1)
	require.NoError(t, skipchain.VerifyUpdateChain(b.Latest().Hash, single))
}

func TestVerifyUpdateChain_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *testhelpers.ChainBuilder, update []*skipchain.SkipBlock) []*skipchain.SkipBlock
		want   error
	}{
		{
			name: "empty",
			mutate: func(_ *testhelpers.ChainBuilder, _ []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				return nil
			},
			want: skipchain.ErrEmptyUpdateChain,
		},
		{
			name: "wrong start",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				return u[1:]
			},
			want: skipchain.ErrUnexpectedStart,
		},
		{
			name: "tampered data",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[2].Data = []byte("forged")
				return u
			},
			want: skipchain.ErrHashMismatch,
		},
		{
			name: "rehashed forgery",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[3].Data = []byte("forged")
				u[3].UpdateHash()
				return u
			},
			want: skipchain.ErrBrokenLink,
		},
		{
			name: "missing block",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				return []*skipchain.SkipBlock{u[0], u[1], u[3]}
			},
			want: skipchain.ErrBrokenLink,
		},
		{
			name: "bad signature",
			mutate: func(b *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[1].ForwardLink[1].Signature = b.Sign(t, u[1].Roster, []byte("other message"))
				return u
			},
			want: skipchain.ErrInvalidSignature,
		},
		{
			name: "truncated signature",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[0].ForwardLink[2].Signature = u[0].ForwardLink[2].Signature[:20]
				return u
			},
			want: skipchain.ErrInvalidSignature,
		},
		{
			name: "nil roster member",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[2].Roster = &roster.Roster{List: append(append([]*roster.ServerIdentity(nil), u[2].Roster.List...), nil)}
				return u
			},
			want: skipchain.ErrInvalidParameters,
		},
		{
			name: "nil member in link roster",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				u[1].ForwardLink[1].NewRoster = &roster.Roster{List: []*roster.ServerIdentity{nil}}
				return u
			},
			want: skipchain.ErrInvalidParameters,
		},
		{
			name: "reordered",
			mutate: func(_ *testhelpers.ChainBuilder, u []*skipchain.SkipBlock) []*skipchain.SkipBlock {
				return []*skipchain.SkipBlock{u[0], u[2], u[1]}
			},
			want: skipchain.ErrBrokenLink,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := eightBlocks(t)
			update := tt.mutate(b, b.UpdateChain(0))
			require.ErrorIs(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, update), tt.want)
		})
	}
}

func TestVerifyUpdateChain_RosterChange(t *testing.T) {
	keys, r := testhelpers.NewKeys(t, 3)
	b := testhelpers.NewChainBuilder(t, keys, r, 2, 2)
	b.Add(t, []byte("one"), nil)
	newKeys, newRoster := testhelpers.NewKeys(t, 4)
	b.AddKeys(newKeys...)
	changed := b.Add(t, []byte("two"), newRoster)
	b.Add(t, []byte("three"), nil)
	require.True(t, changed.Roster.Equal(newRoster))
	require.True(t, b.Latest().Roster.Equal(newRoster))

	update := b.UpdateChain(0)
	require.NoError(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, update))
	require.True(t, b.Genesis().GetForward(1).NewRoster.Equal(newRoster))

	t.Run("signed link to another roster", func(t *testing.T) {
		u := b.UpdateChain(0)
		fl := u[0].GetForward(1)
		_, other := testhelpers.NewKeys(t, 2)
		fl.NewRoster = other
		fl.Signature = b.Sign(t, u[0].Roster, fl.Hash())
		require.ErrorIs(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, u), skipchain.ErrRosterMismatch)
	})

	t.Run("unsigned roster change", func(t *testing.T) {
		u := b.UpdateChain(0)
		fl := u[0].GetForward(1)
		fl.NewRoster = nil
		fl.Signature = b.Sign(t, u[0].Roster, fl.Hash())
		require.ErrorIs(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, u), skipchain.ErrRosterMismatch)
	})

	t.Run("link signed by new roster", func(t *testing.T) {
		u := b.UpdateChain(0)
		fl := u[0].GetForward(1)
		fl.Signature = b.Sign(t, newRoster, fl.Hash())
		require.ErrorIs(t, skipchain.VerifyUpdateChain(b.Genesis().Hash, u), skipchain.ErrInvalidSignature)
	})
}

func TestVerifyLinks(t *testing.T) {
	b := eightBlocks(t)
	gen := b.Genesis()
	four := b.Blocks[4]
	five := b.Blocks[5]
	links := []*skipchain.ForwardLink{gen.GetForward(2), four.GetForward(0)}

	require.NoError(t, skipchain.VerifyLinks(gen, links, five))
	require.NoError(t, skipchain.VerifyLinks(gen, nil, gen))
	require.ErrorIs(t, skipchain.VerifyLinks(gen, links, b.Blocks[6]), skipchain.ErrBrokenLink)
	require.ErrorIs(t, skipchain.VerifyLinks(gen, links[1:], five), skipchain.ErrBrokenLink)
	require.ErrorIs(t, skipchain.VerifyLinks(four, links, five), skipchain.ErrInvalidParameters)
	require.ErrorIs(t, skipchain.VerifyLinks(nil, links, five), skipchain.ErrInvalidParameters)

	forged := *links[1]
	forged.Signature = b.Sign(t, gen.Roster, []byte("x"))
	require.ErrorIs(t, skipchain.VerifyLinks(gen, []*skipchain.ForwardLink{links[0], &forged}, five), skipchain.ErrInvalidSignature)

	nilMember := *links[1]
	nilMember.NewRoster = &roster.Roster{List: []*roster.ServerIdentity{nil}}
	require.ErrorIs(t, skipchain.VerifyLinks(gen, []*skipchain.ForwardLink{links[0], &nilMember}, five), skipchain.ErrInvalidParameters)

	badGenesis := gen.Copy()
	badGenesis.Roster = &roster.Roster{List: []*roster.ServerIdentity{nil, gen.Roster.List[1]}}
	require.NotPanics(t, func() {
		require.ErrorIs(t, skipchain.VerifyLinks(badGenesis, links, five), skipchain.ErrInvalidParameters)
	})
}
