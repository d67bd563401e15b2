// Package degraded tracks the conode error rate and runs recovery probes
// while the conode is degraded.
package degraded

import (
	"time"

	"github.com/kjstillabower/skipchain/internal/traffic"
)

// RecordSuccess records a message the conode answered.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError records a message that failed on the conode side (storage,
// signing round, internal error).
func RecordError() {
	traffic.RecordError()
}

// ErrorRate returns (errorCount, totalCount) within the window. totalCount = successes + errors.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// Degraded reports whether the error rate in window reached errorPct percent.
// An empty window is never degraded.
func Degraded(window time.Duration, errorPct int) bool {
	if window <= 0 || errorPct <= 0 {
		return false
	}
	errors, total := ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errors)*100/float64(total) >= float64(errorPct)
}

// Reset clears all recorded data.
func Reset() {
	traffic.Reset()
}
