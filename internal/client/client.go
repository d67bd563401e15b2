// Package client talks to the conodes of a skipchain. Every block it returns
// has been verified against a block it already trusts.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/cache"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

const (
	defaultCheckpointTTL   = time.Hour
	defaultCoalesceTimeout = 30 * time.Second
)

var ErrUnexpectedBlock = errors.New("conode returned an unexpected block")

var _ cache.LatestFetcher = (*Client)(nil)

// Client reads and extends one skipchain through a roster of conodes.
type Client struct {
	id         skipchain.SkipBlockID
	rs         *network.RosterSocket
	socketOpts []network.Option
	cache      cache.Cache
	cacheType  string
	ttl        time.Duration
	coalescer  *coalescer[*skipchain.SkipBlock]
	logger     *zap.Logger

	mu      sync.RWMutex
	roster  *roster.Roster
	trusted *skipchain.SkipBlock
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	cache           cache.Cache
	cacheType       string
	ttl             time.Duration
	socketOpts      []network.Option
	logger          *zap.Logger
	coalesceTimeout time.Duration
}

// WithCache stores verified checkpoints in c. cacheType labels the cache
// metrics.
func WithCache(c cache.Cache, cacheType string) Option {
	return func(o *clientOptions) { o.cache, o.cacheType = c, cacheType }
}

// WithCheckpointTTL sets how long a checkpoint stays in the cache.
func WithCheckpointTTL(d time.Duration) Option {
	return func(o *clientOptions) { o.ttl = d }
}

// WithSocketOptions configures the sockets used to reach conodes.
func WithSocketOptions(opts ...network.Option) Option {
	return func(o *clientOptions) { o.socketOpts = append(o.socketOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithCoalesceTimeout bounds a shared GetLatestBlock fetch.
func WithCoalesceTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.coalesceTimeout = d }
}

// NewClient returns a client for the chain id served by r. id is the first
// trusted block, usually the genesis block.
func NewClient(r *roster.Roster, id skipchain.SkipBlockID, opts ...Option) (*Client, error) {
	o := clientOptions{
		cache:           cache.NewInMemoryCache(),
		cacheType:       "memory",
		ttl:             defaultCheckpointTTL,
		coalesceTimeout: defaultCoalesceTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if len(id) != skipchain.IDSize {
		return nil, fmt.Errorf("%w: chain id of %d bytes", skipchain.ErrInvalidID, len(id))
	}
	socketOpts := append([]network.Option{network.WithLogger(o.logger)}, o.socketOpts...)
	rs, err := network.NewRosterSocket(r, skipchain.ServiceName, socketOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		id:         id,
		rs:         rs,
		socketOpts: socketOpts,
		cache:      o.cache,
		cacheType:  o.cacheType,
		ttl:        o.ttl,
		coalescer:  newCoalescer[*skipchain.SkipBlock](o.coalesceTimeout),
		logger:     o.logger.With(zap.String("chain", id.Short())),
		roster:     r,
	}, nil
}

// ChainID returns the trusted block the client was created with.
func (c *Client) ChainID() skipchain.SkipBlockID {
	return c.id
}

// Roster returns the roster requests currently go to. It follows roster
// changes seen by GetLatestBlock.
func (c *Client) Roster() *roster.Roster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roster
}

func (c *Client) setRoster(r *roster.Roster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Len() == 0 || c.roster.Equal(r) {
		return
	}
	if err := c.rs.SetRoster(r); err != nil {
		return
	}
	c.logger.Info("roster changed", zap.Int("members", r.Len()), zap.String("leader", r.Leader().Address))
	c.roster = r
}

// socketFor returns the client's roster socket, or a new one when r is a
// different roster.
func (c *Client) socketFor(r *roster.Roster) (*network.RosterSocket, error) {
	if r == nil || r.Equal(c.Roster()) {
		return c.rs, nil
	}
	return network.NewRosterSocket(r, skipchain.ServiceName, c.socketOpts...)
}

func (c *Client) single(si *roster.ServerIdentity) *network.Socket {
	return network.NewSocket(si, skipchain.ServiceName, c.socketOpts...)
}

// trustedBlock returns the newest block this client has verified from its
// chain id, or nil.
func (c *Client) trustedBlock() *skipchain.SkipBlock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trusted
}

// trust records sb as verified. The anchor only moves forward.
func (c *Client) trust(sb *skipchain.SkipBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trusted == nil || sb.Index > c.trusted.Index {
		c.trusted = sb
	}
}

// authenticate checks that sb is a block of the client's chain. Blocks
// other than the chain id and the trusted anchor need a forward-link proof
// from the genesis block.
func (c *Client) authenticate(ctx context.Context, sb *skipchain.SkipBlock) error {
	if sb.Hash.Equal(c.id) {
		return nil
	}
	if t := c.trustedBlock(); t != nil && t.Hash.Equal(sb.Hash) {
		return nil
	}
	if !c.sameChain(sb) {
		return fmt.Errorf("%w: block %d is not on chain %s", ErrUnexpectedBlock, sb.Index, c.id.Short())
	}
	proof, err := c.GetSingleBlockByIndex(ctx, c.id, sb.Index)
	if err != nil {
		return fmt.Errorf("prove block %d: %w", sb.Index, err)
	}
	if !proof.SkipBlock.Hash.Equal(sb.Hash) {
		return fmt.Errorf("%w: block %d is not the one the chain holds at that index", ErrUnexpectedBlock, sb.Index)
	}
	return nil
}

func verificationFailed(kind string, err error) error {
	observability.VerificationFailuresTotal.WithLabelValues(kind).Inc()
	return err
}

// GetUpdateChain asks r, or the client's roster when r is nil, for the blocks
// from latestID onwards and verifies them starting at latestID.
func (c *Client) GetUpdateChain(ctx context.Context, r *roster.Roster, latestID skipchain.SkipBlockID) (*skipchain.GetUpdateChainReply, error) {
	rs, err := c.socketFor(r)
	if err != nil {
		return nil, err
	}
	reply := &skipchain.GetUpdateChainReply{}
	if err := rs.Send(ctx, skipchain.MsgGetUpdateChain, skipchain.MsgGetUpdateChainReply, &skipchain.GetUpdateChain{LatestID: latestID}, reply); err != nil {
		return nil, err
	}
	if err := skipchain.VerifyUpdateChain(latestID, reply.Update); err != nil {
		return nil, verificationFailed("update_chain", fmt.Errorf("update chain from %s: %w", latestID.Short(), err))
	}
	return reply, nil
}

// GetLatestBlock returns the newest block of the chain. It walks the update
// chain from the newest verified checkpoint and stores the result as the
// next checkpoint. Concurrent calls share one fetch.
func (c *Client) GetLatestBlock(ctx context.Context) (*skipchain.SkipBlock, error) {
	return c.coalescer.Do(ctx, c.id.String(), c.fetchLatest)
}

func (c *Client) fetchLatest(ctx context.Context) (*skipchain.SkipBlock, error) {
	start := c.checkpoint(ctx)
	reply, err := c.GetUpdateChain(ctx, nil, start)
	if err != nil {
		return nil, err
	}
	latest := reply.Latest()
	c.trust(latest)
	c.storeCheckpoint(ctx, latest)
	c.setRoster(latest.Roster)
	c.logger.Debug("latest block",
		zap.Int("index", latest.Index),
		zap.Int("steps", len(reply.Update)-1),
		zap.String("from", start.Short()))
	return latest, nil
}

// checkpoint returns the block id to walk the update chain from: the newest
// of the trusted anchor and an authenticated cached checkpoint, or the id
// the client was created with. The cache is shared with other processes, so
// a cached block is only used once it is proven to be on the chain.
func (c *Client) checkpoint(ctx context.Context) skipchain.SkipBlockID {
	start := c.id
	t := c.trustedBlock()
	if t != nil {
		start = t.Hash
	}
	sb, ok, err := c.cache.Get(ctx, c.id.String())
	if err != nil {
		c.logger.Warn("checkpoint lookup failed", zap.Error(err))
	}
	if !ok || sb == nil {
		observability.CacheMissesTotal.WithLabelValues(c.cacheType).Inc()
		return start
	}
	if t != nil && sb.Index <= t.Index {
		if sb.Hash.Equal(t.Hash) {
			observability.CacheHitsTotal.WithLabelValues(c.cacheType).Inc()
		} else {
			observability.CacheMissesTotal.WithLabelValues(c.cacheType).Inc()
		}
		return start
	}
	if sb.CheckRosters() != nil || !sb.CalculateHash().Equal(sb.Hash) || !c.sameChain(sb) {
		c.logger.Warn("ignoring foreign checkpoint", zap.String("block", sb.Hash.Short()))
		observability.CacheMissesTotal.WithLabelValues(c.cacheType).Inc()
		return start
	}
	if err := c.authenticate(ctx, sb); err != nil {
		c.logger.Warn("ignoring unproven checkpoint", zap.String("block", sb.Hash.Short()), zap.Error(err))
		observability.VerificationFailuresTotal.WithLabelValues("checkpoint").Inc()
		observability.CacheMissesTotal.WithLabelValues(c.cacheType).Inc()
		return start
	}
	c.trust(sb)
	observability.CacheHitsTotal.WithLabelValues(c.cacheType).Inc()
	return sb.Hash
}

func (c *Client) sameChain(sb *skipchain.SkipBlock) bool {
	return sb.Hash.Equal(c.id) || sb.SkipChainID().Equal(c.id)
}

func (c *Client) storeCheckpoint(ctx context.Context, sb *skipchain.SkipBlock) {
	if err := c.cache.Set(ctx, c.id.String(), sb, c.ttl); err != nil {
		c.logger.Warn("checkpoint store failed", zap.Error(err))
	}
}

// GetSingleBlock fetches the block with hash id and checks its integrity.
func (c *Client) GetSingleBlock(ctx context.Context, id skipchain.SkipBlockID) (*skipchain.SkipBlock, error) {
	reply := &skipchain.SkipBlock{}
	if err := c.rs.Send(ctx, skipchain.MsgGetSingleBlock, skipchain.MsgSkipBlock, &skipchain.GetSingleBlock{ID: id}, reply); err != nil {
		return nil, err
	}
	if err := reply.CheckRosters(); err != nil {
		return nil, verificationFailed("single_block", err)
	}
	if !reply.Hash.Equal(id) || !reply.CalculateHash().Equal(id) {
		return nil, verificationFailed("single_block", fmt.Errorf("%w: asked for %s", skipchain.ErrHashMismatch, id.Short()))
	}
	return reply, nil
}

// GetSingleBlockByIndex fetches the block at index of the chain genesis and
// verifies the forward-link proof from the genesis block to it.
func (c *Client) GetSingleBlockByIndex(ctx context.Context, genesis skipchain.SkipBlockID, index int) (*skipchain.GetSingleBlockByIndexReply, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", skipchain.ErrInvalidParameters, index)
	}
	gen, err := c.GetSingleBlock(ctx, genesis)
	if err != nil {
		return nil, err
	}
	reply := &skipchain.GetSingleBlockByIndexReply{}
	req := &skipchain.GetSingleBlockByIndex{Genesis: genesis, Index: index}
	if err := c.rs.Send(ctx, skipchain.MsgGetSingleBlockByIndex, skipchain.MsgGetSingleBlockByIndexReply, req, reply); err != nil {
		return nil, err
	}
	if reply.SkipBlock == nil || reply.SkipBlock.Index != index {
		return nil, verificationFailed("block_by_index", fmt.Errorf("%w: wanted index %d", ErrUnexpectedBlock, index))
	}
	if err := skipchain.VerifyLinks(gen, reply.Links, reply.SkipBlock); err != nil {
		return nil, verificationFailed("block_by_index", err)
	}
	return reply, nil
}

// GetAllSkipChainIDs lists the chains stored on si.
func (c *Client) GetAllSkipChainIDs(ctx context.Context, si *roster.ServerIdentity) ([]skipchain.SkipBlockID, error) {
	reply := &skipchain.GetAllSkipChainIDsReply{}
	if err := c.single(si).Send(ctx, skipchain.MsgGetAllSkipChainIDs, skipchain.MsgGetAllSkipChainIDsReply, &skipchain.GetAllSkipChainIDs{}, reply); err != nil {
		return nil, err
	}
	return reply.IDs, nil
}

// CreateGenesis asks the leader of r to start a chain.
func CreateGenesis(ctx context.Context, r *roster.Roster, base, maxHeight int, data []byte, opts ...network.Option) (*skipchain.SkipBlock, error) {
	if err := skipchain.ValidateHeights(base, maxHeight); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", skipchain.ErrInvalidParameters, err)
	}
	sb := skipchain.NewSkipBlock()
	sb.Roster = r
	sb.BaseHeight = base
	sb.MaximumHeight = maxHeight
	sb.Data = data
	reply := &skipchain.StoreSkipBlockReply{}
	sock := network.NewSocket(r.Leader(), skipchain.ServiceName, opts...)
	if err := sock.Send(ctx, skipchain.MsgStoreSkipBlock, skipchain.MsgStoreSkipBlockReply, &skipchain.StoreSkipBlock{NewBlock: sb}, reply); err != nil {
		return nil, err
	}
	gen := reply.Latest
	switch {
	case gen == nil || gen.CheckRosters() != nil || !gen.CalculateHash().Equal(gen.Hash):
		return nil, verificationFailed("genesis", fmt.Errorf("%w: genesis reply", skipchain.ErrHashMismatch))
	case gen.Index != 0 || !gen.Roster.Equal(r) || !bytes.Equal(gen.Data, data) ||
		gen.BaseHeight != base || gen.MaximumHeight != maxHeight:
		return nil, verificationFailed("genesis", fmt.Errorf("%w: genesis differs from request", ErrUnexpectedBlock))
	}
	return gen, nil
}

// CreateGenesis starts a chain on r with the client's socket options.
func (c *Client) CreateGenesis(ctx context.Context, r *roster.Roster, base, maxHeight int, data []byte) (*skipchain.SkipBlock, error) {
	return CreateGenesis(ctx, r, base, maxHeight, data, c.socketOpts...)
}

// StoreSkipBlock asks the leader of latest's roster to append a block with
// data, moving the chain to newRoster when it is non-nil. The reply must
// carry a correctly signed forward link from a previous block that is proven
// to be on the chain. For the client's own chain that proof starts at the
// chain id; for any other chain the previous block must be latest itself.
func (c *Client) StoreSkipBlock(ctx context.Context, latest *skipchain.SkipBlock, newRoster *roster.Roster, data []byte) (*skipchain.StoreSkipBlockReply, error) {
	if latest == nil || latest.Roster.Len() == 0 {
		return nil, fmt.Errorf("%w: no latest block", skipchain.ErrInvalidParameters)
	}
	if err := latest.Roster.Validate(); err != nil {
		return nil, fmt.Errorf("%w: latest block roster: %w", skipchain.ErrInvalidParameters, err)
	}
	if newRoster != nil {
		if err := newRoster.Validate(); err != nil {
			return nil, fmt.Errorf("%w: new roster: %w", skipchain.ErrInvalidParameters, err)
		}
	}
	nb := skipchain.NewSkipBlock()
	nb.Roster = newRoster
	nb.Data = data
	reply := &skipchain.StoreSkipBlockReply{}
	req := &skipchain.StoreSkipBlock{TargetSkipChainID: latest.Hash, NewBlock: nb}
	if err := c.single(latest.Roster.Leader()).Send(ctx, skipchain.MsgStoreSkipBlock, skipchain.MsgStoreSkipBlockReply, req, reply); err != nil {
		return nil, err
	}
	if err := verifyStoreReply(latest, reply, data); err != nil {
		return nil, verificationFailed("store", err)
	}
	if !c.sameChain(reply.Latest) {
		if !reply.Previous.Hash.Equal(latest.Hash) {
			return nil, verificationFailed("store", fmt.Errorf("%w: block %d does not follow block %d", ErrUnexpectedBlock, reply.Latest.Index, latest.Index))
		}
		return reply, nil
	}
	if err := c.authenticate(ctx, reply.Previous); err != nil {
		return nil, verificationFailed("store", err)
	}
	c.trust(reply.Latest)
	c.storeCheckpoint(ctx, reply.Latest)
	c.setRoster(reply.Latest.Roster)
	return reply, nil
}

func verifyStoreReply(latest *skipchain.SkipBlock, reply *skipchain.StoreSkipBlockReply, data []byte) error {
	nb, prev := reply.Latest, reply.Previous
	if nb == nil || prev == nil {
		return fmt.Errorf("%w: incomplete store reply", ErrUnexpectedBlock)
	}
	if !nb.SkipChainID().Equal(latest.SkipChainID()) || nb.Index <= latest.Index || !bytes.Equal(nb.Data, data) {
		return fmt.Errorf("%w: stored block %d", ErrUnexpectedBlock, nb.Index)
	}
	if prev.Index != nb.Index-1 {
		return fmt.Errorf("%w: previous block %d for block %d", ErrUnexpectedBlock, prev.Index, nb.Index)
	}
	return skipchain.VerifyUpdateChain(prev.Hash, []*skipchain.SkipBlock{prev, nb})
}
