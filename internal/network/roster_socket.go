package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/circuitbreaker"
	"github.com/kjstillabower/skipchain/internal/observability"
	"github.com/kjstillabower/skipchain/internal/roster"
)

// RosterSocket sends a message to any node of a roster that answers. It
// prefers the node that answered last and otherwise tries the others in a
// random order. It is safe for concurrent use.
type RosterSocket struct {
	service string
	opts    options

	mu       sync.Mutex
	roster   *roster.Roster
	lastGood *roster.ServerIdentity
	sockets  map[uuid.UUID]*Socket
	breakers map[uuid.UUID]*circuitbreaker.CircuitBreaker
}

// NewRosterSocket returns a socket over every node of r.
func NewRosterSocket(r *roster.Roster, service string, opts ...Option) (*RosterSocket, error) {
	if r.Len() == 0 {
		return nil, ErrEmptyRoster
	}
	return &RosterSocket{
		service:  service,
		opts:     newOptions(opts),
		roster:   r,
		sockets:  make(map[uuid.UUID]*Socket),
		breakers: make(map[uuid.UUID]*circuitbreaker.CircuitBreaker),
	}, nil
}

// Roster returns the roster currently used.
func (rs *RosterSocket) Roster() *roster.Roster {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.roster
}

// SetRoster switches to r, for example after the chain moved to a new
// roster. The preferred node is kept when it is still a member.
func (rs *RosterSocket) SetRoster(r *roster.Roster) error {
	if r.Len() == 0 {
		return ErrEmptyRoster
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.roster = r
	if rs.lastGood != nil {
		if _, si := r.Search(rs.lastGood.ID); si == nil || !si.Equal(rs.lastGood) {
			rs.lastGood = nil
		}
	}
	return nil
}

// LastGood returns the node that answered the last successful send, or nil.
func (rs *RosterSocket) LastGood() *roster.ServerIdentity {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastGood
}

// Send delivers the request to the first node that answers it. A canceled or
// expired ctx stops immediately with the context error. When every node
// fails, the returned error wraps ErrNoNodeAvailable and each node's error.
func (rs *RosterSocket) Send(ctx context.Context, request, response string, req, reply any) error {
	var errs error
	for attempt := 0; attempt < rs.opts.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.RosterSocketRetriesTotal.Inc()
			delay := rs.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := rs.sendPass(ctx, request, response, req, reply)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		errs = err
	}
	return fmt.Errorf("%w: %s: %w", ErrNoNodeAvailable, request, errs)
}

// sendPass tries every node once.
func (rs *RosterSocket) sendPass(ctx context.Context, request, response string, req, reply any) error {
	var errs error
	tried := 0
	for _, si := range rs.order() {
		sock, breaker := rs.node(si)
		if breaker != nil && !breaker.Allow() {
			continue
		}
		if tried > 0 {
			observability.RosterSocketFailoversTotal.Inc()
		}
		tried++
		start := time.Now()
		var err error
		if breaker != nil {
			err = breaker.Call(ctx, func() error {
				return sock.Send(ctx, request, response, req, reply)
			})
		} else {
			err = sock.Send(ctx, request, response, req, reply)
		}
		outcome := "success"
		if err != nil {
			outcome = string(CategorizeError(err))
		}
		observability.RosterSocketRequestsTotal.WithLabelValues(si.Address, outcome).Inc()
		observability.RosterSocketDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

		if err == nil {
			rs.setLastGood(si)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rs.opts.logger.Debug("node failed, trying next",
			zap.String("node", si.Address),
			zap.String("message", request),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", si.Address, err))
	}
	if tried == 0 {
		return fmt.Errorf("every node: %w", circuitbreaker.ErrOpen)
	}
	return errs
}

// order returns the nodes to try: the last good one first, then the rest in
// a fresh random permutation.
func (rs *RosterSocket) order() []*roster.ServerIdentity {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	list := rs.roster.List
	out := make([]*roster.ServerIdentity, 0, len(list))
	if rs.lastGood != nil {
		out = append(out, rs.lastGood)
	}
	for _, i := range rs.opts.rand.Perm(len(list)) {
		if rs.lastGood != nil && list[i].ID == rs.lastGood.ID {
			continue
		}
		out = append(out, list[i])
	}
	return out
}

func (rs *RosterSocket) setLastGood(si *roster.ServerIdentity) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, cur := rs.roster.Search(si.ID); cur != nil {
		rs.lastGood = cur
	}
}

func (rs *RosterSocket) node(si *roster.ServerIdentity) (*Socket, *circuitbreaker.CircuitBreaker) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	sock, ok := rs.sockets[si.ID]
	if !ok || sock.si.Address != si.Address {
		sock = newSocket(si, rs.service, rs.opts)
		rs.sockets[si.ID] = sock
	}
	if rs.opts.breaker == nil {
		return sock, nil
	}
	breaker, ok := rs.breakers[si.ID]
	if !ok {
		cfg := *rs.opts.breaker
		cfg.Component = si.Address
		if cfg.IsFailure == nil {
			cfg.IsFailure = isNodeFailure
		}
		onChange := cfg.OnStateChange
		cfg.OnStateChange = func(from, to circuitbreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(si.Address, from.String(), to.String()).Inc()
			rs.opts.logger.Info("circuit breaker state change",
				zap.String("node", si.Address),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onChange != nil {
				onChange(from, to)
			}
		}
		breaker = circuitbreaker.New(cfg)
		rs.breakers[si.ID] = breaker
	}
	return sock, breaker
}

// isNodeFailure counts transport failures and server errors against a node,
// but not application errors like an unknown block.
func isNodeFailure(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func (rs *RosterSocket) calculateBackoff(attempt int) time.Duration {
	delay := float64(rs.opts.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(rs.opts.retryMaxDelay) {
		delay = float64(rs.opts.retryMaxDelay)
	}

	rs.mu.Lock()
	jitter := delay * 0.1 * rs.opts.rand.Float64()
	rs.mu.Unlock()
	return time.Duration(delay + jitter)
}
