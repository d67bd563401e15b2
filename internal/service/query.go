package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/skipchain"
)

// GetUpdateChain returns the block LatestID followed by the blocks reached
// through the highest stored forward links.
func (s *Service) GetUpdateChain(ctx context.Context, req *skipchain.GetUpdateChain) (*skipchain.GetUpdateChainReply, error) {
	sb, err := s.db.GetByID(req.LatestID)
	if err != nil {
		return nil, err
	}
	update := []*skipchain.SkipBlock{sb}
	for {
		next, err := s.nextHighest(sb)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		update = append(update, next)
		sb = next
	}
	s.loggerFor(ctx).Debug("update chain",
		zap.String("from", req.LatestID.Short()),
		zap.Int("blocks", len(update)))
	return &skipchain.GetUpdateChainReply{Update: update}, nil
}

// nextHighest follows the highest forward link of sb whose target is stored.
func (s *Service) nextHighest(sb *skipchain.SkipBlock) (*skipchain.SkipBlock, error) {
	for level := len(sb.ForwardLink) - 1; level >= 0; level-- {
		fl := sb.ForwardLink[level]
		if fl == nil {
			continue
		}
		next, err := s.db.GetByID(fl.To)
		if errors.Is(err, skipchain.ErrBlockNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if next.Index <= sb.Index {
			return nil, fmt.Errorf("%w: block %d links back to %d", skipchain.ErrBrokenLink, sb.Index, next.Index)
		}
		return next, nil
	}
	return nil, nil
}

// GetSingleBlock returns the block with the given hash.
func (s *Service) GetSingleBlock(_ context.Context, req *skipchain.GetSingleBlock) (*skipchain.SkipBlock, error) {
	return s.db.GetByID(req.ID)
}

// GetSingleBlockByIndex returns the block at Index of the chain Genesis and
// the forward links leading to it from the genesis block.
func (s *Service) GetSingleBlockByIndex(_ context.Context, req *skipchain.GetSingleBlockByIndex) (*skipchain.GetSingleBlockByIndexReply, error) {
	if req.Index < 0 {
		return nil, fmt.Errorf("%w: negative index %d", skipchain.ErrInvalidParameters, req.Index)
	}
	sb, err := s.db.GetByID(req.Genesis)
	if err != nil {
		return nil, err
	}
	if sb.Index != 0 {
		return nil, fmt.Errorf("%w: %s is not a genesis block", skipchain.ErrInvalidParameters, req.Genesis.Short())
	}
	var links []*skipchain.ForwardLink
	for sb.Index < req.Index {
		var next *skipchain.SkipBlock
		var used *skipchain.ForwardLink
		for level := len(sb.ForwardLink) - 1; level >= 0 && next == nil; level-- {
			fl := sb.ForwardLink[level]
			if fl == nil {
				continue
			}
			target, err := s.db.GetByID(fl.To)
			if errors.Is(err, skipchain.ErrBlockNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if target.Index > sb.Index && target.Index <= req.Index {
				next, used = target, fl
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: index %d of %s", skipchain.ErrBlockNotFound, req.Index, req.Genesis.Short())
		}
		links = append(links, used)
		sb = next
	}
	return &skipchain.GetSingleBlockByIndexReply{SkipBlock: sb, Links: links}, nil
}

// GetAllSkipChainIDs lists the genesis IDs of every chain stored here.
func (s *Service) GetAllSkipChainIDs(_ context.Context, _ *skipchain.GetAllSkipChainIDs) (*skipchain.GetAllSkipChainIDsReply, error) {
	ids, err := s.db.GenesisIDs()
	if err != nil {
		return nil, err
	}
	return &skipchain.GetAllSkipChainIDsReply{IDs: ids}, nil
}
