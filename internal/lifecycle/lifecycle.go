// Package lifecycle holds the process-wide draining flag.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the conode is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM. The
// shutdown flag is set as soon as a signal arrives; calling the returned
// stop function does not set it.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			SetShuttingDown(true)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}
