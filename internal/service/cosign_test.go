package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/testhelpers"
)

// proposeNext builds an unsigned successor of latest the way a leader does.
func proposeNext(t *testing.T, lt *testhelpers.LocalTest, genesis, latest *skipchain.SkipBlock, data string) (*skipchain.SkipBlock, []*skipchain.SkipBlock) {
	t.Helper()
	nb := skipchain.NewSkipBlock()
	nb.Data = []byte(data)
	db := lt.Services[0].DB()
	targets, err := skipchain.PrepareNext(latest, nb, func(i int) (*skipchain.SkipBlock, error) {
		return db.GetByIndex(genesis.Hash, i)
	})
	require.NoError(t, err)
	return nb, targets
}

func announce(from, proposed *skipchain.SkipBlock) *skipchain.CosiAnnounce {
	fl := skipchain.NewForwardLink(from, proposed)
	return &skipchain.CosiAnnounce{Session: uuid.New(), Link: fl, Proposed: proposed}
}

// TestCosi_ManualRound drives announce and challenge against every member
// and checks the aggregate signature.
func TestCosi_ManualRound(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 3)
	genesis := createChain(t, lt, 2, 3)
	proposed, targets := proposeNext(t, lt, genesis, genesis, "manual")
	req := announce(targets[0], proposed)

	commits := make([][]byte, 3)
	for i, svc := range lt.Services {
		reply, err := svc.CosiAnnounce(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, req.Session, reply.Session)
		commits[i] = reply.Commitment
	}
	mask := cosi.NewMask(3)
	mask.SetAll()
	aggCommit, err := cosi.AggregateCommitments(commits, mask)
	require.NoError(t, err)

	responses := make([][]byte, 3)
	for i, svc := range lt.Services {
		reply, err := svc.CosiChallenge(context.Background(), &skipchain.CosiChallenge{
			Session:    req.Session,
			Commitment: aggCommit,
			Mask:       mask.Bytes(),
		})
		require.NoError(t, err)
		responses[i] = reply.Response
	}
	aggResponse, err := cosi.AggregateResponses(responses)
	require.NoError(t, err)
	sig := cosi.NewSignature(aggCommit, aggResponse, mask)
	require.NoError(t, cosi.Verify(lt.Roster.Publics(), req.Link.Hash(), sig, cosi.DefaultPolicy(3)))

	// A session answers one challenge only.
	_, err = lt.Services[0].CosiChallenge(context.Background(), &skipchain.CosiChallenge{
		Session:    req.Session,
		Commitment: aggCommit,
		Mask:       mask.Bytes(),
	})
	require.ErrorIs(t, err, skipchain.ErrInvalidParameters)
}

func TestCosiAnnounce_Rejected(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	genesis := createChain(t, lt, 2, 3)
	b1 := appendData(t, lt.Services[0], genesis, "one").Latest
	stored, err := lt.Services[1].GetSingleBlock(context.Background(), &skipchain.GetSingleBlock{ID: genesis.Hash})
	require.NoError(t, err)

	// Another block 1 competing for the level-0 link of genesis.
	fork := skipchain.NewSkipBlock()
	fork.Data = []byte("fork")
	_, err = skipchain.PrepareNext(genesis, fork, nil)
	require.NoError(t, err)

	proposed, _ := proposeNext(t, lt, genesis, b1, "two")
	tampered := proposed.Copy()
	tampered.Data = []byte("changed after hashing")

	wrongHeight := proposed.Copy()
	wrongHeight.MaximumHeight = 5
	wrongHeight.UpdateHash()

	foreignKeys, foreignRoster := testhelpers.NewKeys(t, 2)
	foreign := testhelpers.NewChainBuilder(t, foreignKeys, foreignRoster, 2, 3)

	tests := []struct {
		name    string
		req     *skipchain.CosiAnnounce
		wantErr error
	}{
		{"no link", &skipchain.CosiAnnounce{Session: uuid.New(), Proposed: proposed}, skipchain.ErrInvalidParameters},
		{"no block", &skipchain.CosiAnnounce{Session: uuid.New(), Link: skipchain.NewForwardLink(b1, proposed)}, skipchain.ErrInvalidParameters},
		{"unknown source", announce(foreign.Genesis(), proposed), skipchain.ErrBlockNotFound},
		{"tampered block", &skipchain.CosiAnnounce{Session: uuid.New(), Link: skipchain.NewForwardLink(b1, proposed), Proposed: tampered}, skipchain.ErrHashMismatch},
		{"wrong height parameters", announce(b1, wrongHeight), skipchain.ErrInvalidParameters},
		{"link already set", announce(stored, fork), skipchain.ErrForwardLinkExists},
		{"backwards", announce(b1, stored), skipchain.ErrBrokenLink},
		{"nil roster member", announce(b1, withNilMember(t, proposed)), skipchain.ErrInvalidParameters},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lt.Services[1].CosiAnnounce(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCosiChallenge_Rejected(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	genesis := createChain(t, lt, 2, 3)
	proposed, targets := proposeNext(t, lt, genesis, genesis, "p")

	_, err := lt.Services[1].CosiChallenge(context.Background(), &skipchain.CosiChallenge{Session: uuid.New()})
	require.ErrorIs(t, err, skipchain.ErrInvalidParameters)

	req := announce(targets[0], proposed)
	commit, err := lt.Services[1].CosiAnnounce(context.Background(), req)
	require.NoError(t, err)
	mask := cosi.NewMask(2)
	require.NoError(t, mask.Set(0, true))
	_, err = lt.Services[1].CosiChallenge(context.Background(), &skipchain.CosiChallenge{
		Session:    req.Session,
		Commitment: commit.Commitment,
		Mask:       mask.Bytes(),
	})
	require.ErrorIs(t, err, skipchain.ErrInvalidParameters, "member 1 is not in the mask")
}

func TestPropagateBlocks(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	b := testhelpers.NewChainBuilder(t, lt.Keys, lt.Roster, 2, 3)
	b.Add(t, []byte("one"), nil)
	b.Add(t, []byte("two"), nil)

	reply, err := lt.Services[1].PropagateBlocks(context.Background(), &skipchain.PropagateBlocks{Blocks: b.Blocks})
	require.NoError(t, err)
	require.Equal(t, 3, reply.Stored)

	latest, err := lt.Services[1].DB().GetLatest(b.Genesis().Hash)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Index)

	// Later blocks are accepted once their source is known.
	b3 := b.Add(t, []byte("three"), nil)
	_, err = lt.Services[1].PropagateBlocks(context.Background(), &skipchain.PropagateBlocks{
		Blocks: []*skipchain.SkipBlock{b.Blocks[2], b3},
	})
	require.NoError(t, err)
}

func TestPropagateBlocks_Rejected(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	foreignKeys, foreignRoster := testhelpers.NewKeys(t, 2)
	foreign := testhelpers.NewChainBuilder(t, foreignKeys, foreignRoster, 2, 3)

	member := testhelpers.NewChainBuilder(t, lt.Keys, lt.Roster, 2, 3)
	orphan := member.Add(t, []byte("orphan"), nil)

	tampered := member.Genesis().Copy()
	tampered.Data = []byte("tampered")

	forged := testhelpers.NewChainBuilder(t, lt.Keys, lt.Roster, 2, 3)
	forged.AddKeys(foreignKeys...)
	forged.Add(t, []byte("x"), nil)
	forgedGenesis := forged.Genesis().Copy()
	forgedGenesis.ForwardLink[0].Signature = forged.Sign(t, foreignRoster, forgedGenesis.ForwardLink[0].Hash())

	tests := []struct {
		name    string
		blocks  []*skipchain.SkipBlock
		wantErr error
	}{
		{"tampered block", []*skipchain.SkipBlock{tampered}, skipchain.ErrHashMismatch},
		{"genesis without this conode", []*skipchain.SkipBlock{foreign.Genesis()}, skipchain.ErrInvalidParameters},
		{"unlinked block", []*skipchain.SkipBlock{orphan}, skipchain.ErrBrokenLink},
		{"bad signature", []*skipchain.SkipBlock{forgedGenesis}, skipchain.ErrInvalidSignature},
		{"nil roster member", []*skipchain.SkipBlock{withNilMember(t, member.Genesis())}, skipchain.ErrInvalidParameters},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lt.Services[1].PropagateBlocks(context.Background(), &skipchain.PropagateBlocks{Blocks: tc.blocks})
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
	ids, err := lt.Services[1].GetAllSkipChainIDs(context.Background(), &skipchain.GetAllSkipChainIDs{})
	require.NoError(t, err)
	require.Empty(t, ids.IDs)
}
