package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

const propagateParallelism = 16

// StoreSkipBlock creates a new chain when TargetSkipChainID is empty, and
// otherwise appends NewBlock to the latest block of the target's chain.
func (s *Service) StoreSkipBlock(ctx context.Context, req *skipchain.StoreSkipBlock) (*skipchain.StoreSkipBlockReply, error) {
	if req.NewBlock == nil {
		return nil, fmt.Errorf("%w: no block", skipchain.ErrInvalidParameters)
	}
	if req.TargetSkipChainID.IsNull() {
		return s.storeGenesis(ctx, req.NewBlock)
	}
	return s.appendBlock(ctx, req.TargetSkipChainID, req.NewBlock)
}

func (s *Service) storeGenesis(ctx context.Context, proposal *skipchain.SkipBlock) (*skipchain.StoreSkipBlockReply, error) {
	if err := skipchain.ValidateHeights(proposal.BaseHeight, proposal.MaximumHeight); err != nil {
		return nil, err
	}
	if proposal.Roster.Len() == 0 {
		return nil, fmt.Errorf("%w: genesis without roster", skipchain.ErrInvalidParameters)
	}
	if err := proposal.Roster.Validate(); err != nil {
		return nil, fmt.Errorf("%w: genesis roster: %w", skipchain.ErrInvalidParameters, err)
	}
	sb := proposal.Copy()
	if !s.isLeader(sb.Roster) {
		return nil, fmt.Errorf("%w: %s", skipchain.ErrNotLeader, sb.Roster.Leader())
	}
	sb.Index = 0
	sb.Height = sb.MaximumHeight
	sb.BackLinkIDs = nil
	sb.GenesisID = nil
	sb.ForwardLink = nil
	sb.UpdateHash()

	if err := s.db.Store(sb); err != nil {
		return nil, err
	}
	observability.BlocksStoredTotal.WithLabelValues("genesis").Inc()
	s.loggerFor(ctx).Info("new skipchain",
		zap.String("genesis", sb.Hash.Short()),
		zap.Int("members", sb.Roster.Len()),
		zap.Int("base", sb.BaseHeight),
		zap.Int("max", sb.MaximumHeight))
	s.propagate(ctx, sb.Roster, sb)
	return &skipchain.StoreSkipBlockReply{Latest: sb}, nil
}

func (s *Service) appendBlock(ctx context.Context, targetID skipchain.SkipBlockID, proposal *skipchain.SkipBlock) (*skipchain.StoreSkipBlockReply, error) {
	logger := s.loggerFor(ctx)
	target, err := s.db.GetByID(targetID)
	if err != nil {
		return nil, err
	}
	chainID := target.SkipChainID()
	unlock, writers := s.locks.lock(chainID.String())
	defer unlock()
	if writers > 1 {
		logger.Debug("waited for concurrent writer", zap.String("chain", chainID.Short()), zap.Int("writers", writers))
	}

	latest, err := s.db.GetLatest(chainID)
	if err != nil {
		return nil, err
	}
	if !s.isLeader(latest.Roster) {
		return nil, fmt.Errorf("%w: %s", skipchain.ErrNotLeader, latest.Roster.Leader())
	}

	if proposal.Roster.Len() > 0 {
		if err := proposal.Roster.Validate(); err != nil {
			return nil, fmt.Errorf("%w: proposed roster: %w", skipchain.ErrInvalidParameters, err)
		}
	}
	sb := proposal.Copy()
	if sb.Roster.Len() == 0 {
		sb.Roster = nil
	}
	targets, err := skipchain.PrepareNext(latest, sb, func(index int) (*skipchain.SkipBlock, error) {
		return s.db.GetByIndex(chainID, index)
	})
	if err != nil {
		return nil, err
	}
	for level, from := range targets {
		fl := skipchain.NewForwardLink(from, sb)
		sig, err := s.cosign(ctx, from, sb, fl)
		if err != nil {
			return nil, fmt.Errorf("sign level %d link from block %d: %w", level, from.Index, err)
		}
		fl.Signature = sig
		if err := from.AddForwardLink(fl, level); err != nil {
			return nil, err
		}
	}

	blocks := append(append([]*skipchain.SkipBlock(nil), targets...), sb)
	if err := s.db.Store(blocks...); err != nil {
		return nil, err
	}
	observability.BlocksStoredTotal.WithLabelValues("append").Inc()
	logger.Info("appended block",
		zap.String("chain", chainID.Short()),
		zap.Int("index", sb.Index),
		zap.Int("height", sb.Height),
		zap.String("hash", sb.Hash.Short()))

	members := sb.Roster
	for _, t := range targets {
		members = members.Concat(t.Roster)
	}
	s.propagate(ctx, members, blocks...)
	return &skipchain.StoreSkipBlockReply{Previous: targets[0], Latest: sb}, nil
}

// propagate pushes blocks to every other member of r. Failures are logged;
// lagging members catch up on the next propagation that links to them.
func (s *Service) propagate(ctx context.Context, r *roster.Roster, blocks ...*skipchain.SkipBlock) {
	if r == nil {
		return
	}
	logger := s.loggerFor(ctx)
	req := &skipchain.PropagateBlocks{Blocks: blocks}
	var g errgroup.Group
	g.SetLimit(propagateParallelism)
	for _, si := range r.List {
		if s.isSelf(si) {
			continue
		}
		g.Go(func() error {
			reply := &skipchain.PropagateBlocksReply{}
			if err := s.socket(si).Send(ctx, skipchain.MsgPropagateBlocks, skipchain.MsgPropagateBlocksReply, req, reply); err != nil {
				logger.Warn("propagation failed", zap.String("member", si.Address), zap.Error(err))
				return fmt.Errorf("%s: %w", si.Address, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
	}
}

// PropagateBlocks stores blocks pushed by a leader. Every block must be
// intact with correctly signed forward links, and must be reachable from a
// block this conode trusts. Blocks are checked in batch order.
func (s *Service) PropagateBlocks(ctx context.Context, req *skipchain.PropagateBlocks) (*skipchain.PropagateBlocksReply, error) {
	for _, sb := range req.Blocks {
		if sb == nil {
			observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
			return nil, fmt.Errorf("%w: nil propagated block", skipchain.ErrInvalidParameters)
		}
		if err := sb.CheckRosters(); err != nil {
			observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
			return nil, err
		}
		if !sb.CalculateHash().Equal(sb.Hash) {
			observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
			return nil, fmt.Errorf("%w: propagated block", skipchain.ErrHashMismatch)
		}
		if err := sb.VerifyForwardSignatures(); err != nil {
			observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
			return nil, err
		}
	}
	accepted := make(map[string]bool, len(req.Blocks))
	for _, sb := range req.Blocks {
		if err := s.authenticate(sb, req.Blocks, accepted); err != nil {
			observability.VerificationFailuresTotal.WithLabelValues("propagation").Inc()
			return nil, err
		}
		accepted[sb.Hash.String()] = true
	}
	if err := s.db.Store(req.Blocks...); err != nil {
		return nil, err
	}
	observability.BlocksStoredTotal.WithLabelValues("propagated").Add(float64(len(req.Blocks)))
	s.loggerFor(ctx).Debug("stored propagated blocks", zap.Int("blocks", len(req.Blocks)))
	return &skipchain.PropagateBlocksReply{Stored: len(req.Blocks)}, nil
}

// authenticate accepts a block already stored, a genesis block listing this
// conode, or a block linked from a stored block or one accepted earlier in
// the batch.
func (s *Service) authenticate(sb *skipchain.SkipBlock, batch []*skipchain.SkipBlock, accepted map[string]bool) error {
	if _, err := s.db.GetByID(sb.Hash); err == nil {
		return nil
	} else if !errors.Is(err, skipchain.ErrBlockNotFound) {
		return err
	}
	if sb.Index == 0 {
		if !sb.Roster.Contains(s.keys.Public) {
			return fmt.Errorf("%w: genesis %s does not list this conode", skipchain.ErrInvalidParameters, sb.Hash.Short())
		}
		return nil
	}
	for _, from := range batch {
		if from == sb || !(accepted[from.Hash.String()] || s.known(from.Hash)) {
			continue
		}
		for _, fl := range from.ForwardLink {
			if fl != nil && fl.To.Equal(sb.Hash) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: block %d (%s) is not linked from a known block", skipchain.ErrBrokenLink, sb.Index, sb.Hash.Short())
}

func (s *Service) known(id skipchain.SkipBlockID) bool {
	_, err := s.db.GetByID(id)
	return err == nil
}
