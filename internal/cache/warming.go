package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kjstillabower/skipchain/internal/skipchain"
)

// LatestFetcher is implemented by the skipchain client. Each call verifies
// the update chain and stores a new checkpoint.
type LatestFetcher interface {
	ChainID() skipchain.SkipBlockID
	GetLatestBlock(ctx context.Context) (*skipchain.SkipBlock, error)
}

// Warmer keeps checkpoints fresh by fetching the latest block of a set of
// chains.
type Warmer struct {
	logger   *zap.Logger
	onLatest func(*skipchain.SkipBlock)
}

// NewWarmer creates a Warmer. onLatest, if non-nil, receives every block a
// refresh returns.
func NewWarmer(logger *zap.Logger, onLatest func(*skipchain.SkipBlock)) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{logger: logger, onLatest: onLatest}
}

// Warm refreshes every chain concurrently. Returns the aggregated errors.
func (w *Warmer) Warm(ctx context.Context, fetchers []LatestFetcher) error {
	start := time.Now()
	w.logger.Debug("refreshing checkpoints", zap.Int("chains", len(fetchers)))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, f := range fetchers {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			latest, err := f.GetLatestBlock(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("refresh %s: %w", f.ChainID().Short(), err))
				return
			}
			if w.onLatest != nil {
				w.onLatest(latest)
			}
		}()
	}
	wg.Wait()
	w.logger.Debug("checkpoint refresh complete",
		zap.Int("chains", len(fetchers)),
		zap.Int("errors", len(multierr.Errors(errs))),
		zap.Duration("duration", time.Since(start)))
	return errs
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, fetchers []LatestFetcher, interval time.Duration) error {
	if err := w.Warm(ctx, fetchers); err != nil {
		w.logger.Warn("initial checkpoint refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, fetchers); err != nil {
				w.logger.Warn("periodic checkpoint refresh failed", zap.Error(err))
			}
		}
	}
}
