package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/storage"
	"github.com/kjstillabower/skipchain/internal/testhelpers"
)

func openMemory(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func buildChain(t *testing.T, n int) *testhelpers.ChainBuilder {
	keys, r := testhelpers.NewKeys(t, 3)
	b := testhelpers.NewChainBuilder(t, keys, r, 2, 3)
	for i := 1; i < n; i++ {
		b.Add(t, []byte{byte(i)}, nil)
	}
	return b
}

func TestDB_StoreAndGet(t *testing.T) {
	db := openMemory(t)
	b := buildChain(t, 6)
	require.NoError(t, db.Store(b.Blocks...))

	for _, want := range b.Blocks {
		got, err := db.GetByID(want.Hash)
		require.NoError(t, err)
		require.True(t, got.Equal(want))
		require.Equal(t, want.Index, got.Index)
		require.Equal(t, want.Data, got.Data)
		require.True(t, got.Roster.Equal(want.Roster))
		require.Len(t, got.ForwardLink, len(want.ForwardLink))
		require.NoError(t, got.VerifyForwardSignatures())
		require.True(t, got.CalculateHash().Equal(got.Hash))

		byIndex, err := db.GetByIndex(b.Genesis().Hash, want.Index)
		require.NoError(t, err)
		require.True(t, byIndex.Equal(want))
	}

	n, err := db.Length()
	require.NoError(t, err)
	require.Equal(t, 6, n)
}

func TestDB_NotFound(t *testing.T) {
	db := openMemory(t)
	b := buildChain(t, 2)
	require.NoError(t, db.Store(b.Genesis()))

	_, err := db.GetByID(b.Latest().Hash)
	require.ErrorIs(t, err, skipchain.ErrBlockNotFound)
	_, err = db.GetByID(nil)
	require.ErrorIs(t, err, skipchain.ErrBlockNotFound)
	_, err = db.GetByIndex(b.Genesis().Hash, 5)
	require.ErrorIs(t, err, skipchain.ErrBlockNotFound)
	_, err = db.GetByIndex(b.Genesis().Hash, -1)
	require.ErrorIs(t, err, skipchain.ErrInvalidParameters)
	require.ErrorIs(t, db.Store(&skipchain.SkipBlock{}), skipchain.ErrInvalidParameters)
}

func TestDB_StoreKeepsMoreForwardLinks(t *testing.T) {
	db := openMemory(t)
	keys, r := testhelpers.NewKeys(t, 3)
	b := testhelpers.NewChainBuilder(t, keys, r, 2, 3)
	stale := b.Genesis().Copy()
	require.NoError(t, db.Store(stale))

	b.Add(t, []byte("one"), nil)
	require.NoError(t, db.Store(b.Genesis(), b.Latest()))
	got, err := db.GetByID(b.Genesis().Hash)
	require.NoError(t, err)
	require.Len(t, got.ForwardLink, 1)

	require.NoError(t, db.Store(stale))
	got, err = db.GetByID(b.Genesis().Hash)
	require.NoError(t, err)
	require.Len(t, got.ForwardLink, 1, "older copy must not replace newer links")
}

func TestDB_GetLatestAndGenesisIDs(t *testing.T) {
	db := openMemory(t)
	one := buildChain(t, 5)
	two := buildChain(t, 2)
	require.NoError(t, db.Store(one.Blocks...))
	require.NoError(t, db.Store(two.Blocks...))

	latest, err := db.GetLatest(one.Genesis().Hash)
	require.NoError(t, err)
	require.True(t, latest.Equal(one.Latest()))
	latest, err = db.GetLatest(one.Blocks[2].Hash)
	require.NoError(t, err)
	require.True(t, latest.Equal(one.Latest()))
	latest, err = db.GetLatest(two.Genesis().Hash)
	require.NoError(t, err)
	require.True(t, latest.Equal(two.Latest()))

	ids, err := db.GenesisIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.ElementsMatch(t,
		[]string{one.Genesis().Hash.String(), two.Genesis().Hash.String()},
		[]string{ids[0].String(), ids[1].String()})
}

func TestDB_ReopenRebuildsFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks")
	db, err := storage.Open(path)
	require.NoError(t, err)
	b := buildChain(t, 3)
	require.NoError(t, db.Store(b.Blocks...))
	require.NoError(t, db.Close())

	db, err = storage.Open(path)
	require.NoError(t, err)
	defer db.Close()
	for _, sb := range b.Blocks {
		_, err := db.GetByID(sb.Hash)
		require.NoError(t, err)
	}
}
