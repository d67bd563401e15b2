package network

import (
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/circuitbreaker"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultRetryMaxDelay  = 2 * time.Second
	maxMessageSize        = 32 << 20
)

type options struct {
	httpClient     *http.Client
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.Config
	logger         *zap.Logger
	rand           *rand.Rand
}

// Option configures a Socket or RosterSocket.
type Option func(*options)

func newOptions(opts []Option) options {
	o := options{
		timeout:        defaultTimeout,
		retryAttempts:  1,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return o
}

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout bounds each request to a single node.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry makes a RosterSocket retry a full pass over the roster up to
// attempts times in total, waiting with exponential backoff between passes.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.retryAttempts = attempts
		}
		if baseDelay > 0 {
			o.retryBaseDelay = baseDelay
		}
		if maxDelay > 0 {
			o.retryMaxDelay = maxDelay
		}
	}
}

// WithCircuitBreaker gives every node of a RosterSocket its own breaker
// built from cfg. Component is replaced by the node address.
func WithCircuitBreaker(cfg circuitbreaker.Config) Option {
	return func(o *options) { o.breaker = &cfg }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRand fixes the source of the node permutation.
func WithRand(seed int64) Option {
	return func(o *options) { o.rand = rand.New(rand.NewSource(seed)) }
}
