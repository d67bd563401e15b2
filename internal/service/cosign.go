package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
	"github.com/kjstillabower/skipchain/internal/skipchain"
)

// cosiSession is the state a member keeps between its commitment and the
// challenge.
type cosiSession struct {
	secret  *edwards25519.Scalar
	message []byte
	publics [][]byte
	index   int
	expires time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[uuid.UUID]*cosiSession
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*cosiSession),
	}
}

func (st *sessionStore) put(id uuid.UUID, sess *cosiSession) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	for k, v := range st.sessions {
		if now.After(v.expires) {
			delete(st.sessions, k)
		}
	}
	sess.expires = now.Add(st.ttl)
	st.sessions[id] = sess
}

// take removes and returns the session; expired sessions are not returned.
func (st *sessionStore) take(id uuid.UUID) (*cosiSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	delete(st.sessions, id)
	if st.now().After(sess.expires) {
		return nil, false
	}
	return sess, true
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// cosign runs a CoSi round over the roster of from for the forward link fl
// to proposed. Members that do not commit are left out of the mask as long
// as the policy threshold is reached.
func (s *Service) cosign(ctx context.Context, from, proposed *skipchain.SkipBlock, fl *skipchain.ForwardLink) (cosi.Signature, error) {
	start := time.Now()
	sig, err := s.runRound(ctx, from.Roster, proposed, fl)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	observability.CosiRoundsTotal.WithLabelValues(outcome).Inc()
	observability.CosiRoundDuration.Observe(time.Since(start).Seconds())
	return sig, err
}

func (s *Service) runRound(ctx context.Context, signers *roster.Roster, proposed *skipchain.SkipBlock, fl *skipchain.ForwardLink) (cosi.Signature, error) {
	if signers.Len() == 0 {
		return nil, fmt.Errorf("%w: block %s", skipchain.ErrMissingRoster, fl.From.Short())
	}
	logger := s.loggerFor(ctx)
	n := signers.Len()
	policy := cosi.DefaultPolicy(n)
	announce := &skipchain.CosiAnnounce{
		Session:  uuid.New(),
		Link:     &skipchain.ForwardLink{From: fl.From, To: fl.To, NewRoster: fl.NewRoster},
		Proposed: proposed,
	}

	var mu sync.Mutex
	commits := make([][]byte, n)
	mask := cosi.NewMask(n)
	var announceGroup errgroup.Group
	for i, si := range signers.List {
		announceGroup.Go(func() error {
			reply, err := s.sendAnnounce(ctx, si, announce)
			if err != nil {
				logger.Warn("cosi member did not commit",
					zap.String("member", si.Address),
					zap.String("session", announce.Session.String()),
					zap.Error(err))
				return nil
			}
			if _, err := new(edwards25519.Point).SetBytes(reply.Commitment); err != nil {
				logger.Warn("cosi member sent invalid commitment", zap.String("member", si.Address))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			commits[i] = reply.Commitment
			return mask.Set(i, true)
		})
	}
	if err := announceGroup.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !policy.Check(mask.Count(), n) {
		return nil, fmt.Errorf("%w: %d of %d members committed", cosi.ErrInsufficientSigners, mask.Count(), n)
	}

	aggCommit, err := cosi.AggregateCommitments(commits, mask)
	if err != nil {
		return nil, err
	}
	challenge := &skipchain.CosiChallenge{
		Session:    announce.Session,
		Commitment: aggCommit,
		Mask:       mask.Bytes(),
	}
	responses := make([][]byte, n)
	challengeGroup, gctx := errgroup.WithContext(ctx)
	for i, si := range signers.List {
		if !mask.IsSet(i) {
			continue
		}
		challengeGroup.Go(func() error {
			reply, err := s.sendChallenge(gctx, si, challenge)
			if err != nil {
				return fmt.Errorf("response from %s: %w", si.Address, err)
			}
			responses[i] = reply.Response
			return nil
		})
	}
	if err := challengeGroup.Wait(); err != nil {
		return nil, err
	}

	aggResponse, err := cosi.AggregateResponses(responses)
	if err != nil {
		return nil, err
	}
	sig := cosi.NewSignature(aggCommit, aggResponse, mask)
	if err := cosi.Verify(signers.Publics(), fl.Hash(), sig, policy); err != nil {
		return nil, fmt.Errorf("aggregate signature: %w", err)
	}
	logger.Debug("cosi round done",
		zap.String("session", announce.Session.String()),
		zap.Int("signers", mask.Count()),
		zap.Int("members", n))
	return sig, nil
}

func (s *Service) sendAnnounce(ctx context.Context, si *roster.ServerIdentity, req *skipchain.CosiAnnounce) (*skipchain.CosiCommitment, error) {
	if s.isSelf(si) {
		return s.CosiAnnounce(ctx, req)
	}
	reply := &skipchain.CosiCommitment{}
	if err := s.socket(si).Send(ctx, skipchain.MsgCosiAnnounce, skipchain.MsgCosiCommitment, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *Service) sendChallenge(ctx context.Context, si *roster.ServerIdentity, req *skipchain.CosiChallenge) (*skipchain.CosiResponse, error) {
	if s.isSelf(si) {
		return s.CosiChallenge(ctx, req)
	}
	reply := &skipchain.CosiResponse{}
	if err := s.socket(si).Send(ctx, skipchain.MsgCosiChallenge, skipchain.MsgCosiResponse, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// CosiAnnounce checks the proposed forward link against the local copy of
// its source block and commits to signing it.
func (s *Service) CosiAnnounce(_ context.Context, req *skipchain.CosiAnnounce) (*skipchain.CosiCommitment, error) {
	if req.Link == nil || req.Proposed == nil {
		return nil, fmt.Errorf("%w: announce without link or block", skipchain.ErrInvalidParameters)
	}
	from, err := s.db.GetByID(req.Link.From)
	if err != nil {
		return nil, err
	}
	index := from.Roster.IndexOf(s.keys.Public)
	if index < 0 {
		return nil, fmt.Errorf("%w: not a member of the roster of block %d", skipchain.ErrInvalidParameters, from.Index)
	}
	if err := checkProposal(from, req.Link, req.Proposed); err != nil {
		observability.VerificationFailuresTotal.WithLabelValues("cosi_announce").Inc()
		return nil, err
	}
	msg := req.Link.Hash()
	secret, commitment, err := cosi.Commit(s.keys, msg, s.rand)
	if err != nil {
		return nil, err
	}
	s.sessions.put(req.Session, &cosiSession{
		secret:  secret,
		message: msg,
		publics: from.Roster.Publics(),
		index:   index,
	})
	return &skipchain.CosiCommitment{Session: req.Session, Commitment: commitment}, nil
}

// checkProposal verifies that link is the forward link from -> proposed and
// that proposed is a valid successor of from.
func checkProposal(from *skipchain.SkipBlock, link *skipchain.ForwardLink, proposed *skipchain.SkipBlock) error {
	if err := proposed.CheckRosters(); err != nil {
		return err
	}
	if link.NewRoster != nil {
		if err := link.NewRoster.Validate(); err != nil {
			return fmt.Errorf("%w: link roster: %w", skipchain.ErrInvalidParameters, err)
		}
	}
	if !proposed.CalculateHash().Equal(proposed.Hash) || !proposed.Hash.Equal(link.To) {
		return fmt.Errorf("%w: proposed block %d", skipchain.ErrHashMismatch, proposed.Index)
	}
	if !proposed.SkipChainID().Equal(from.SkipChainID()) || proposed.Index <= from.Index {
		return fmt.Errorf("%w: block %d cannot follow block %d", skipchain.ErrBrokenLink, proposed.Index, from.Index)
	}
	if proposed.BaseHeight != from.BaseHeight || proposed.MaximumHeight != from.MaximumHeight ||
		proposed.Height != skipchain.ComputeHeight(proposed.Index, proposed.BaseHeight, proposed.MaximumHeight) {
		return fmt.Errorf("%w: height parameters of block %d", skipchain.ErrInvalidParameters, proposed.Index)
	}
	if !bytes.Equal(skipchain.NewForwardLink(from, proposed).Hash(), link.Hash()) {
		return fmt.Errorf("%w: link message does not match blocks %d and %d", skipchain.ErrBrokenLink, from.Index, proposed.Index)
	}
	level := -1
	for h, id := range proposed.BackLinkIDs {
		if id.Equal(from.Hash) {
			level = h
			break
		}
	}
	if level < 0 {
		return fmt.Errorf("%w: block %d has no back-link to block %d", skipchain.ErrBrokenLink, proposed.Index, from.Index)
	}
	if existing := from.GetForward(level); existing != nil && !existing.To.Equal(proposed.Hash) {
		return fmt.Errorf("%w: block %d level %d", skipchain.ErrForwardLinkExists, from.Index, level)
	}
	return nil
}

// CosiChallenge answers the challenge of an open session and closes it.
func (s *Service) CosiChallenge(_ context.Context, req *skipchain.CosiChallenge) (*skipchain.CosiResponse, error) {
	sess, ok := s.sessions.take(req.Session)
	if !ok {
		return nil, fmt.Errorf("%w: unknown cosi session %s", skipchain.ErrInvalidParameters, req.Session)
	}
	mask, err := cosi.MaskFromBytes(req.Mask, len(sess.publics))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", skipchain.ErrInvalidParameters, err)
	}
	if !mask.IsSet(sess.index) {
		return nil, fmt.Errorf("%w: member %d not in mask", skipchain.ErrInvalidParameters, sess.index)
	}
	aggPublic, err := cosi.AggregatePublics(sess.publics, mask)
	if err != nil {
		return nil, err
	}
	c, err := cosi.Challenge(req.Commitment, aggPublic, sess.message)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", skipchain.ErrInvalidParameters, err)
	}
	return &skipchain.CosiResponse{
		Session:  req.Session,
		Response: cosi.Response(s.keys, sess.secret, c),
	}, nil
}
