package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/testhelpers"
)

func TestGetSingleBlockByIndex(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 3)
	genesis := createChain(t, lt, 2, 3)
	const n = 9
	for i := 1; i <= n; i++ {
		appendData(t, lt.Services[0], genesis, "data")
	}
	stored, err := lt.Services[2].GetSingleBlock(context.Background(), &skipchain.GetSingleBlock{ID: genesis.Hash})
	require.NoError(t, err)

	for i := 0; i <= n; i++ {
		reply, err := lt.Services[2].GetSingleBlockByIndex(context.Background(), &skipchain.GetSingleBlockByIndex{
			Genesis: genesis.Hash,
			Index:   i,
		})
		require.NoError(t, err, "index %d", i)
		require.Equal(t, i, reply.SkipBlock.Index)
		require.NoError(t, skipchain.VerifyLinks(stored, reply.Links, reply.SkipBlock), "index %d", i)
		// The proof never needs more links than the block has predecessors.
		require.LessOrEqual(t, len(reply.Links), i)
	}
}

func TestGetSingleBlockByIndex_Errors(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	genesis := createChain(t, lt, 2, 3)
	b1 := appendData(t, lt.Services[0], genesis, "one").Latest

	tests := []struct {
		name    string
		req     *skipchain.GetSingleBlockByIndex
		wantErr error
	}{
		{"negative index", &skipchain.GetSingleBlockByIndex{Genesis: genesis.Hash, Index: -1}, skipchain.ErrInvalidParameters},
		{"beyond latest", &skipchain.GetSingleBlockByIndex{Genesis: genesis.Hash, Index: 5}, skipchain.ErrBlockNotFound},
		{"not a genesis", &skipchain.GetSingleBlockByIndex{Genesis: b1.Hash, Index: 1}, skipchain.ErrInvalidParameters},
		{"unknown chain", &skipchain.GetSingleBlockByIndex{Genesis: make(skipchain.SkipBlockID, skipchain.IDSize), Index: 0}, skipchain.ErrBlockNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lt.Services[1].GetSingleBlockByIndex(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestGetUpdateChain(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)
	genesis := createChain(t, lt, 2, 2)
	var blocks []*skipchain.SkipBlock
	for i := 1; i <= 4; i++ {
		blocks = append(blocks, appendData(t, lt.Services[0], genesis, "x").Latest)
	}

	t.Run("from latest", func(t *testing.T) {
		update, err := lt.Services[1].GetUpdateChain(context.Background(), &skipchain.GetUpdateChain{LatestID: blocks[3].Hash})
		require.NoError(t, err)
		require.Len(t, update.Update, 1)
		require.True(t, update.Latest().Equal(blocks[3]))
	})
	t.Run("from middle", func(t *testing.T) {
		update, err := lt.Services[1].GetUpdateChain(context.Background(), &skipchain.GetUpdateChain{LatestID: blocks[0].Hash})
		require.NoError(t, err)
		require.NoError(t, skipchain.VerifyUpdateChain(blocks[0].Hash, update.Update))
		require.Equal(t, 4, update.Latest().Index)
	})
	t.Run("unknown block", func(t *testing.T) {
		_, err := lt.Services[1].GetUpdateChain(context.Background(), &skipchain.GetUpdateChain{LatestID: make(skipchain.SkipBlockID, skipchain.IDSize)})
		require.ErrorIs(t, err, skipchain.ErrBlockNotFound)
	})
}

func TestGetAllSkipChainIDs(t *testing.T) {
	lt := testhelpers.NewLocalTest(t, 2)

	empty, err := lt.Services[1].GetAllSkipChainIDs(context.Background(), &skipchain.GetAllSkipChainIDs{})
	require.NoError(t, err)
	require.Empty(t, empty.IDs)

	first := createChain(t, lt, 2, 3)
	second := createChain(t, lt, 3, 2)
	appendData(t, lt.Services[0], first, "not a chain id")

	ids, err := lt.Services[1].GetAllSkipChainIDs(context.Background(), &skipchain.GetAllSkipChainIDs{})
	require.NoError(t, err)
	require.Len(t, ids.IDs, 2)
	got := map[string]bool{ids.IDs[0].String(): true, ids.IDs[1].String(): true}
	require.True(t, got[first.Hash.String()])
	require.True(t, got[second.Hash.String()])
}
