package degraded

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 10 * time.Second

// ProbeFunc checks whether the conode works again. nil means recovered.
type ProbeFunc func(ctx context.Context) error

// Recoverer probes a degraded conode on a Fibonacci schedule (initial,
// 2*initial, 3*initial, 5*initial ... up to max). A successful probe clears
// the error window; when every probe fails onExhausted is called.
type Recoverer struct {
	probe        ProbeFunc
	delays       []time.Duration
	probeTimeout time.Duration
	onExhausted  func()
	logger       *zap.Logger
	trigger      chan struct{}
	running      atomic.Bool
}

// NewRecoverer returns a recoverer. A nil logger discards.
func NewRecoverer(probe ProbeFunc, initial, max time.Duration, onExhausted func(), logger *zap.Logger) *Recoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onExhausted == nil {
		onExhausted = func() {}
	}
	var delays []time.Duration
	if initial > 0 && max >= initial {
		delays = fibDelays(initial, max)
	}
	return &Recoverer{
		probe:        probe,
		delays:       delays,
		probeTimeout: defaultProbeTimeout,
		onExhausted:  onExhausted,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

// Notify asks for a recovery run. Non-blocking; ignored while a run is active
// or when r is nil.
func (r *Recoverer) Notify() {
	if r == nil {
		return
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start serves Notify calls until ctx is done.
func (r *Recoverer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.trigger:
				if r.running.Swap(true) {
					continue
				}
				go func() {
					defer r.running.Store(false)
					r.Run(ctx)
				}()
			}
		}
	}()
}

// Run walks the probe schedule and reports whether the conode recovered.
func (r *Recoverer) Run(ctx context.Context) bool {
	if len(r.delays) == 0 {
		return false
	}
	for i, d := range r.delays {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		err := r.probe(probeCtx)
		cancel()
		if err == nil {
			r.logger.Info("conode recovered", zap.Int("attempt", i+1))
			Reset()
			return true
		}
		r.logger.Warn("recovery probe failed",
			zap.Int("attempt", i+1),
			zap.Int("attempts", len(r.delays)),
			zap.Error(err))
	}
	r.logger.Error("recovery exhausted")
	r.onExhausted()
	return false
}

// Delays returns the probe schedule.
func (r *Recoverer) Delays() []time.Duration {
	return append([]time.Duration(nil), r.delays...)
}

func fibDelays(initial, max time.Duration) []time.Duration {
	a, b := 1, 2
	var out []time.Duration
	for {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
