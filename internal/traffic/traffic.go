// Package traffic keeps sliding windows of request outcomes for the conode
// health decisions in overload and degraded.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one served request.
type Outcome int

const (
	Success Outcome = iota
	Error
	Denied
	numOutcomes
)

// DefaultRetention is how long outcomes are kept.
const DefaultRetention = 5 * time.Minute

var defaultTracker = NewTracker(DefaultRetention)

// RecordSuccess records a request the conode answered, including client
// errors such as an unknown block.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a request that failed on the conode side.
func RecordError() { defaultTracker.Record(Error) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// RequestCount returns the number of outcomes of any kind within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Count(Denied, window) }

// ErrorRate returns (errorCount, totalCount) within the window; denials are
// not part of the total.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Tracker keeps outcome timestamps for a bounded retention period.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	times     [numOutcomes][]time.Time
}

// NewTracker returns a tracker keeping outcomes for retention.
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{retention: retention, now: time.Now}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.RecordN(o, 1)
}

// RecordN adds n outcomes at the current time.
func (t *Tracker) RecordN(o Outcome, n int) {
	if o < 0 || o >= numOutcomes || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for i := 0; i < n; i++ {
		t.times[o] = append(t.times[o], now)
	}
	t.pruneLocked(now)
}

// Count returns the number of outcomes of kind o within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.times[o], t.now().Add(-window))
}

// RequestCount returns the number of outcomes of any kind within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for o := range t.times {
		n += countSince(t.times[o], cutoff)
	}
	return n
}

// ErrorRate returns (errorCount, successCount+errorCount) within the window.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	errors = countSince(t.times[Error], cutoff)
	return errors, errors + countSince(t.times[Success], cutoff)
}

// Reset drops every recorded outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [numOutcomes][]time.Time{}
}

// countSince counts timestamps not before cutoff. times is sorted.
func countSince(times []time.Time, cutoff time.Time) int {
	for i, ts := range times {
		if !ts.Before(cutoff) {
			return len(times) - i
		}
	}
	return 0
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
