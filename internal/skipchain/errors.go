package skipchain

import (
	"errors"
	"net/http"

	"github.com/kjstillabower/skipchain/internal/cosi"
	"github.com/kjstillabower/skipchain/internal/network"
)

var (
	ErrInvalidID         = errors.New("invalid skipblock id")
	ErrBlockNotFound     = errors.New("skipblock not found")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrNotLeader         = errors.New("not the leader of the roster")

	ErrEmptyUpdateChain  = errors.New("empty update chain")
	ErrUnexpectedStart   = errors.New("update chain does not start at the trusted block")
	ErrHashMismatch      = errors.New("block hash mismatch")
	ErrBrokenLink        = errors.New("broken forward link")
	ErrInvalidSignature  = errors.New("invalid forward link signature")
	ErrRosterMismatch    = errors.New("forward link roster does not match block roster")
	ErrMissingRoster     = errors.New("block has no roster")
	ErrForwardLinkExists = errors.New("forward link already set")
)

// Error codes carried in network.ErrorReply.
const (
	CodeNotFound     = "not_found"
	CodeInvalid      = "invalid_parameters"
	CodeNotLeader    = "not_leader"
	CodeVerification = "verification_failed"
	CodeInternal     = "internal"
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrBlockNotFound, CodeNotFound, http.StatusNotFound},
	{ErrNotLeader, CodeNotLeader, http.StatusBadRequest},
	{ErrInvalidParameters, CodeInvalid, http.StatusBadRequest},
	{ErrInvalidID, CodeInvalid, http.StatusBadRequest},
	{ErrForwardLinkExists, CodeInvalid, http.StatusConflict},
	{ErrHashMismatch, CodeVerification, http.StatusForbidden},
	{ErrBrokenLink, CodeVerification, http.StatusForbidden},
	{ErrInvalidSignature, CodeVerification, http.StatusForbidden},
	{ErrRosterMismatch, CodeVerification, http.StatusForbidden},
	{cosi.ErrInsufficientSigners, CodeVerification, http.StatusForbidden},
}

func init() {
	network.RegisterErrorCode(CodeNotFound, ErrBlockNotFound)
	network.RegisterErrorCode(CodeNotLeader, ErrNotLeader)
	network.RegisterErrorCode(CodeInvalid, ErrInvalidParameters)
	network.RegisterErrorCode(CodeVerification, ErrInvalidSignature)
}

// ErrorCode maps a service error to its wire code and HTTP status.
func ErrorCode(err error) (string, int) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}
