package network

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoNodeAvailable = errors.New("no node available")
	ErrUnexpectedReply = errors.New("unexpected reply type")
	ErrEmptyRoster     = errors.New("roster socket needs at least one node")
)

// ErrorReply is the body of a non-200 reply.
type ErrorReply struct {
	Code    string
	Message string
}

// ServiceError is an application error returned by a conode. Unwrap yields
// the sentinel registered for its code, so callers can use errors.Is.
type ServiceError struct {
	Address string
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s (%d %s)", e.Address, e.Message, e.Status, e.Code)
}

func (e *ServiceError) Unwrap() error {
	errorCodesMu.RLock()
	defer errorCodesMu.RUnlock()
	return errorCodes[e.Code]
}

// Temporary reports whether another node or a later attempt may succeed.
func (e *ServiceError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

var (
	errorCodesMu sync.RWMutex
	errorCodes   = map[string]error{}
)

// RegisterErrorCode maps a wire error code to a sentinel error.
func RegisterErrorCode(code string, err error) {
	errorCodesMu.Lock()
	defer errorCodesMu.Unlock()
	errorCodes[code] = err
}
