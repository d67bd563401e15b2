package network

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/skipchain/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (rosterSocketRequestsTotal, verificationFailuresTotal).
const (
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryNetwork      ErrorCategory = "network"
	ErrorCategoryCircuitOpen  ErrorCategory = "circuit_open"
	ErrorCategoryUnexpected   ErrorCategory = "unexpected_reply"
	ErrorCategoryRemote4xx    ErrorCategory = "remote_4xx"
	ErrorCategoryRemote5xx    ErrorCategory = "remote_5xx"
	ErrorCategoryParsing      ErrorCategory = "parsing"
	ErrorCategoryVerification ErrorCategory = "verification"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrorCategoryCircuitOpen
	}

	if errors.Is(err, ErrUnexpectedReply) {
		return ErrorCategoryUnexpected
	}

	var se *ServiceError
	if errors.As(err, &se) {
		if se.Status >= 500 {
			return ErrorCategoryRemote5xx
		}
		return ErrorCategoryRemote4xx
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return ErrorCategoryTimeout
	}

	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "dial tcp") {
		return ErrorCategoryNetwork
	}

	if strings.Contains(errStr, "cbor") || strings.Contains(errStr, "decode") {
		return ErrorCategoryParsing
	}

	if strings.Contains(errStr, "verify") || strings.Contains(errStr, "signature") ||
		strings.Contains(errStr, "hash mismatch") || strings.Contains(errStr, "forward link") {
		return ErrorCategoryVerification
	}

	return ErrorCategoryUnknown
}
