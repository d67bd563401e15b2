package degraded

import (
	"testing"
	"time"
)

func TestErrorRate_Empty(t *testing.T) {
	Reset()
	errors, total := ErrorRate(time.Minute)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errors, total)
	}
}

func TestRecordSuccess_AndError_ErrorRate(t *testing.T) {
	Reset()
	RecordSuccess()
	RecordSuccess()
	RecordError()
	errors, total := ErrorRate(time.Minute)
	if errors != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errors, total)
	}
}

func TestErrorRate_ExpiresOutsideWindow(t *testing.T) {
	Reset()
	RecordError()
	RecordSuccess()
	errors, total := ErrorRate(time.Nanosecond)
	if errors != 0 || total != 0 {
		t.Errorf("ErrorRate(1ns) = (%d, %d), want (0, 0)", errors, total)
	}
}

func TestDegraded(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		pct       int
		want      bool
	}{
		{"no traffic", 0, 0, 10, false},
		{"below threshold", 19, 1, 10, false},
		{"at threshold", 9, 1, 10, true},
		{"disabled", 0, 5, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Reset()
			for i := 0; i < tc.successes; i++ {
				RecordSuccess()
			}
			for i := 0; i < tc.errors; i++ {
				RecordError()
			}
			if got := Degraded(time.Minute, tc.pct); got != tc.want {
				t.Errorf("Degraded() = %v, want %v", got, tc.want)
			}
		})
	}
	Reset()
}
