package client

import (
	"context"
	"sync"
	"time"
)

// call is one fetch that concurrent callers for the same key share.
type call[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// coalescer runs at most one fetch per key at a time; callers arriving while
// it runs wait for its result.
type coalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*call[T]
	timeout  time.Duration
}

func newCoalescer[T any](timeout time.Duration) *coalescer[T] {
	return &coalescer[T]{
		inFlight: make(map[string]*call[T]),
		timeout:  timeout,
	}
}

// Do returns the result of the fetch in flight for key, starting fn when
// there is none. fn runs detached from the caller's cancellation but bounded
// by the coalescer timeout; a caller stops waiting when its own ctx is done.
func (c *coalescer[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	cl, exists := c.inFlight[key]
	if !exists {
		cl = &call[T]{done: make(chan struct{})}
		c.inFlight[key] = cl
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		go func() {
			defer cancel()
			cl.result, cl.err = fn(fetchCtx)
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
			close(cl.done)
		}()
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.result, cl.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// pending reports the number of keys with a fetch in flight.
func (c *coalescer[T]) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
