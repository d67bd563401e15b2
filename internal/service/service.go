// Package service implements the skipchain service run by every conode:
// chain queries, block storage with collectively signed forward links, and
// block propagation between conodes.
package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/network"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
	"github.com/kjstillabower/skipchain/internal/storage"
)

const defaultSessionTTL = time.Minute

// Config holds the dependencies of a Service.
type Config struct {
	Identity *roster.ServerIdentity
	Keys     *cosi.KeyPair
	DB       *storage.DB
	Logger   *zap.Logger
	// SocketOptions configure the sockets used to reach other conodes.
	SocketOptions []network.Option
	// SessionTTL bounds how long a member keeps an unanswered CoSi commitment.
	SessionTTL time.Duration
	// Rand feeds CoSi nonces; crypto/rand when nil.
	Rand io.Reader
}

// Service is the skipchain service of one conode.
type Service struct {
	identity   *roster.ServerIdentity
	keys       *cosi.KeyPair
	db         *storage.DB
	logger     *zap.Logger
	socketOpts []network.Option
	rand       io.Reader
	locks      *chainLocks
	sessions   *sessionStore
}

// New validates cfg and returns the service.
func New(cfg Config) (*Service, error) {
	if cfg.Identity == nil || cfg.Keys == nil || cfg.DB == nil {
		return nil, errors.New("service: identity, keys and db are required")
	}
	if !bytes.Equal(cfg.Identity.Public, cfg.Keys.Public) {
		return nil, errors.New("service: identity public key does not match key pair")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Service{
		identity:   cfg.Identity,
		keys:       cfg.Keys,
		db:         cfg.DB,
		logger:     logger.With(zap.String("conode", cfg.Identity.Address)),
		socketOpts: cfg.SocketOptions,
		rand:       rnd,
		locks:      newChainLocks(),
		sessions:   newSessionStore(ttl),
	}, nil
}

// Identity returns the conode the service runs on.
func (s *Service) Identity() *roster.ServerIdentity {
	return s.identity
}

// DB returns the block store.
func (s *Service) DB() *storage.DB {
	return s.db
}

func (s *Service) isSelf(si *roster.ServerIdentity) bool {
	return si != nil && bytes.Equal(si.Public, s.identity.Public)
}

func (s *Service) isLeader(r *roster.Roster) bool {
	return s.isSelf(r.Leader())
}

func (s *Service) socket(si *roster.ServerIdentity) *network.Socket {
	return network.NewSocket(si, skipchain.ServiceName, s.socketOpts...)
}

func (s *Service) loggerFor(ctx context.Context) *zap.Logger {
	return observability.LoggerFromContext(ctx, s.logger)
}

// Endpoint binds a request message name to its handler.
type Endpoint struct {
	Request    string
	Reply      string
	NewRequest func() any
	Process    func(ctx context.Context, req any) (any, error)
}

func endpoint[Req, Rep any](request, reply string, fn func(context.Context, *Req) (*Rep, error)) Endpoint {
	return Endpoint{
		Request:    request,
		Reply:      reply,
		NewRequest: func() any { return new(Req) },
		Process: func(ctx context.Context, req any) (any, error) {
			r, ok := req.(*Req)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected request type %T", skipchain.ErrInvalidParameters, req)
			}
			return fn(ctx, r)
		},
	}
}

// Endpoints lists every message the service answers.
func (s *Service) Endpoints() []Endpoint {
	return []Endpoint{
		endpoint(skipchain.MsgGetUpdateChain, skipchain.MsgGetUpdateChainReply, s.GetUpdateChain),
		endpoint(skipchain.MsgGetSingleBlock, skipchain.MsgSkipBlock, s.GetSingleBlock),
		endpoint(skipchain.MsgGetSingleBlockByIndex, skipchain.MsgGetSingleBlockByIndexReply, s.GetSingleBlockByIndex),
		endpoint(skipchain.MsgGetAllSkipChainIDs, skipchain.MsgGetAllSkipChainIDsReply, s.GetAllSkipChainIDs),
		endpoint(skipchain.MsgStoreSkipBlock, skipchain.MsgStoreSkipBlockReply, s.StoreSkipBlock),
		endpoint(skipchain.MsgCosiAnnounce, skipchain.MsgCosiCommitment, s.CosiAnnounce),
		endpoint(skipchain.MsgCosiChallenge, skipchain.MsgCosiResponse, s.CosiChallenge),
		endpoint(skipchain.MsgPropagateBlocks, skipchain.MsgPropagateBlocksReply, s.PropagateBlocks),
	}
}

// Stats summarizes the conode state for health reports.
type Stats struct {
	Blocks        int `json:"blocks"`
	Chains        int `json:"chains"`
	CosiSessions  int `json:"cosiSessions"`
	ActiveWriters int `json:"activeWriters"`
}

// Stats reads the block store and the in-memory round state.
func (s *Service) Stats() (Stats, error) {
	blocks, err := s.db.Length()
	if err != nil {
		return Stats{}, err
	}
	ids, err := s.db.GenesisIDs()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Blocks:        blocks,
		Chains:        len(ids),
		CosiSessions:  s.sessions.len(),
		ActiveWriters: s.locks.active(),
	}, nil
}
