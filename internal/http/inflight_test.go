package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestInFlightTracker_ConcurrentUpdates(t *testing.T) {
	var tracker InFlightTracker
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Increment()
			tracker.Decrement()
			tracker.Increment()
		}()
	}
	wg.Wait()

	if got := tracker.Count(); got != 64 {
		t.Fatalf("Count() = %d, want 64", got)
	}
	for i := 0; i < 64; i++ {
		tracker.Decrement()
	}
	if got := tracker.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestInFlightTracker_WaitForZero_DeadlineExceeded(t *testing.T) {
	var tracker InFlightTracker
	tracker.Increment()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tracker.WaitForZero(ctx, 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForZero() = %v, want %v", err, context.DeadlineExceeded)
	}
}

// TestWaitForInFlight_BlocksOnRunningRequest serves a request through
// MetricsMiddleware and checks that shutdown waits until the handler returns.
func TestWaitForInFlight_BlocksOnRunningRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	})
	before := InFlightCount()

	rec := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		MetricsMiddleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/Skipchain/GetUpdateChain", nil))
		close(served)
	}()
	<-entered

	if got := InFlightCount(); got != before+1 {
		t.Errorf("InFlightCount() while serving = %d, want %d", got, before+1)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if before == 0 {
		if err := WaitForInFlight(short, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WaitForInFlight() with running request = %v, want %v", err, context.DeadlineExceeded)
		}
	}

	close(release)
	<-served

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if got := InFlightCount(); got != before {
		t.Errorf("InFlightCount() after request = %d, want %d", got, before)
	}
	if before == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
			t.Errorf("WaitForInFlight() after request = %v, want nil", err)
		}
	}
}
