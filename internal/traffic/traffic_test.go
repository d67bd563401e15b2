package traffic

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestTracker(retention time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(retention)
	tr.now = clock.now
	return tr, clock
}

// TestRequestCount_Empty verifies that an empty tracker reports no requests.
func TestRequestCount_Empty(t *testing.T) {
	Reset()
	if n := RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}

// TestRecordDenied_AndCounts verifies that denials count toward requests but
// not toward the error rate.
func TestRecordDenied_AndCounts(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordDenied()
	RecordDenied()
	if n := DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
	if n := RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount() = %d, want 3", n)
	}
	errors, total := ErrorRate(time.Minute)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errors, total)
	}
}

func TestErrorRate_SuccessAndError(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	errors, total := ErrorRate(time.Minute)
	if errors != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errors, total)
	}
}

// TestTracker_Window verifies that outcomes leave the window as time passes.
func TestTracker_Window(t *testing.T) {
	tr, clock := newTestTracker(time.Hour)
	tr.RecordN(Error, 2)
	clock.t = clock.t.Add(30 * time.Second)
	tr.Record(Success)

	if n := tr.RequestCount(time.Minute); n != 3 {
		t.Errorf("RequestCount(1m) = %d, want 3", n)
	}
	if n := tr.RequestCount(10 * time.Second); n != 1 {
		t.Errorf("RequestCount(10s) = %d, want 1", n)
	}
	errors, total := tr.ErrorRate(10 * time.Second)
	if errors != 0 || total != 1 {
		t.Errorf("ErrorRate(10s) = (%d, %d), want (0, 1)", errors, total)
	}
}

// TestTracker_Retention verifies that outcomes older than the retention are
// pruned on the next record.
func TestTracker_Retention(t *testing.T) {
	tr, clock := newTestTracker(time.Minute)
	tr.RecordN(Success, 5)
	clock.t = clock.t.Add(2 * time.Minute)
	tr.Record(Denied)

	if n := tr.RequestCount(time.Hour); n != 1 {
		t.Errorf("RequestCount(1h) = %d, want 1 after pruning", n)
	}
	if n := len(tr.times[Success]); n != 0 {
		t.Errorf("retained %d successes, want 0", n)
	}
}

func TestTracker_IgnoresInvalidInput(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	tr.RecordN(Outcome(42), 3)
	tr.RecordN(Success, 0)
	tr.RecordN(Error, -1)
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
	if n := tr.Count(Outcome(-1), time.Minute); n != 0 {
		t.Errorf("Count(invalid) = %d, want 0", n)
	}
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(time.Minute)
	tr.Record(Success)
	tr.Record(Error)
	tr.Record(Denied)
	tr.Reset()
	if n := tr.RequestCount(time.Minute); n != 0 {
		t.Errorf("RequestCount() = %d, want 0", n)
	}
}
