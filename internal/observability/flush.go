package observability

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers and closes the given resources
// (block store, memcached client) before process exit.
// For pull-based Prometheus, metrics are already exposed; this mainly flushes logs.
// Call during graceful shutdown after in-flight requests have drained.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...io.Closer) error {
	var errs error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, fmt.Errorf("flush: %w", err))
		}
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %T: %w", c, err))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errs
}
