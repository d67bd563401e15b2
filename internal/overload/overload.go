// Package overload decides whether a conode is shedding too much load.
package overload

import (
	"time"

	"github.com/kjstillabower/skipchain/internal/traffic"
)

// RecordDenial records a rate-limit denial (429). Call from middleware when returning 429.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount returns the number of requests (success + error + denied) within the given window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount returns the number of denials within the given window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Threshold is the request count above which the conode reports overloaded:
// thresholdPct percent of what rps allows over the window.
func Threshold(window time.Duration, rps, thresholdPct int) float64 {
	return float64(rps) * window.Seconds() * float64(thresholdPct) / 100
}

// Overloaded reports whether the requests seen in window exceed the threshold.
// Always false when rate limiting is off.
func Overloaded(window time.Duration, rps, thresholdPct int) bool {
	if rps <= 0 || window <= 0 || thresholdPct <= 0 {
		return false
	}
	return float64(RequestCount(window)) > Threshold(window, rps, thresholdPct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
