// Package storage keeps a conode's skipblocks in goleveldb.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/kjstillabower/skipchain/internal/codec"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

const (
	prefixBlock   = 'b'
	prefixGenesis = 'g'
	prefixIndex   = 'i'

	bloomCapacity  = 1 << 20
	bloomFalsePosR = 0.001
)

// DB stores blocks by hash, with an index of chain position per chain.
type DB struct {
	mu    sync.RWMutex
	db    *leveldb.DB
	known *bloom.BloomFilter
	sync  bool
}

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return newDB(ldb, true)
}

// OpenMemory returns a store that lives in memory only.
func OpenMemory() (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory leveldb: %w", err)
	}
	return newDB(ldb, false)
}

func newDB(ldb *leveldb.DB, syncWrites bool) (*DB, error) {
	d := &DB{
		db:    ldb,
		known: bloom.NewWithEstimates(bloomCapacity, bloomFalsePosR),
		sync:  syncWrites,
	}
	it := ldb.NewIterator(util.BytesPrefix([]byte{prefixBlock}), nil)
	for it.Next() {
		d.known.Add(it.Key()[1:])
	}
	it.Release()
	if err := it.Error(); err != nil {
		_ = ldb.Close()
		return nil, fmt.Errorf("scan blocks: %w", err)
	}
	return d, nil
}

// Close releases the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func blockKey(id skipchain.SkipBlockID) []byte {
	return append([]byte{prefixBlock}, id...)
}

func genesisKey(id skipchain.SkipBlockID) []byte {
	return append([]byte{prefixGenesis}, id...)
}

func indexKey(genesis skipchain.SkipBlockID, index int) []byte {
	k := make([]byte, 0, 1+len(genesis)+8)
	k = append(k, prefixIndex)
	k = append(k, genesis...)
	return binary.BigEndian.AppendUint64(k, uint64(index))
}

// Store writes blocks in one batch. A block already stored is replaced only
// when the new copy carries more forward links.
func (d *DB) Store(blocks ...*skipchain.SkipBlock) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := new(leveldb.Batch)
	var added []skipchain.SkipBlockID
	for _, sb := range blocks {
		if sb == nil || sb.Hash.IsNull() {
			return fmt.Errorf("%w: block without hash", skipchain.ErrInvalidParameters)
		}
		existing, err := d.getLocked(sb.Hash)
		switch {
		case errors.Is(err, skipchain.ErrBlockNotFound):
		case err != nil:
			return err
		case len(existing.ForwardLink) >= len(sb.ForwardLink):
			continue
		}
		data, err := codec.Encode(sb)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", sb.Index, err)
		}
		batch.Put(blockKey(sb.Hash), data)
		batch.Put(indexKey(sb.SkipChainID(), sb.Index), sb.Hash)
		if sb.Index == 0 {
			batch.Put(genesisKey(sb.Hash), nil)
		}
		added = append(added, sb.Hash)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := d.db.Write(batch, &opt.WriteOptions{Sync: d.sync}); err != nil {
		return fmt.Errorf("write blocks: %w", err)
	}
	for _, id := range added {
		d.known.Add(id)
	}
	return nil
}

// GetByID returns a copy of the block with hash id.
func (d *DB) GetByID(id skipchain.SkipBlockID) (*skipchain.SkipBlock, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(id)
}

func (d *DB) getLocked(id skipchain.SkipBlockID) (*skipchain.SkipBlock, error) {
	if id.IsNull() || !d.known.Test(id) {
		return nil, fmt.Errorf("%w: %s", skipchain.ErrBlockNotFound, id.Short())
	}
	data, err := d.db.Get(blockKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", skipchain.ErrBlockNotFound, id.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", id.Short(), err)
	}
	sb := &skipchain.SkipBlock{}
	if err := codec.Decode(data, sb); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", id.Short(), err)
	}
	return sb, nil
}

// GetByIndex returns the block at index of the chain with the given genesis.
func (d *DB) GetByIndex(genesis skipchain.SkipBlockID, index int) (*skipchain.SkipBlock, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", skipchain.ErrInvalidParameters, index)
	}
	id, err := d.db.Get(indexKey(genesis, index), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: index %d of %s", skipchain.ErrBlockNotFound, index, genesis.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("get index %d: %w", index, err)
	}
	return d.getLocked(id)
}

// GetLatest returns the highest block of the chain containing id.
func (d *DB) GetLatest(id skipchain.SkipBlockID) (*skipchain.SkipBlock, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sb, err := d.getLocked(id)
	if err != nil {
		return nil, err
	}
	prefix := append([]byte{prefixIndex}, sb.SkipChainID()...)
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, fmt.Errorf("scan chain %s: %w", sb.SkipChainID().Short(), err)
		}
		return sb, nil
	}
	return d.getLocked(append(skipchain.SkipBlockID(nil), it.Value()...))
}

// GenesisIDs lists the IDs of every stored chain.
func (d *DB) GenesisIDs() ([]skipchain.SkipBlockID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []skipchain.SkipBlockID
	it := d.db.NewIterator(util.BytesPrefix([]byte{prefixGenesis}), nil)
	defer it.Release()
	for it.Next() {
		ids = append(ids, append(skipchain.SkipBlockID(nil), it.Key()[1:]...))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan genesis ids: %w", err)
	}
	return ids, nil
}

// Length returns the number of stored blocks.
func (d *DB) Length() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	it := d.db.NewIterator(util.BytesPrefix([]byte{prefixBlock}), nil)
	defer it.Release()
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return n, nil
}
