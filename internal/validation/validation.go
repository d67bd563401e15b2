package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrHexEmpty is returned when an ID is empty or whitespace-only after trim.
var ErrHexEmpty = errors.New("id is required")

// ErrHexInvalid is returned when an ID is not valid hex.
var ErrHexInvalid = errors.New("id is not valid hex")

// ErrHexLength is returned when a decoded ID has the wrong size.
var ErrHexLength = errors.New("id has the wrong length")

// ErrMessageName is returned for message or service names outside [A-Za-z][A-Za-z0-9]*.
var ErrMessageName = errors.New("invalid message name")

// MaxMessageNameLength bounds service and message path segments.
const MaxMessageNameLength = 64

// ValidateHexID trims input and decodes it as hex. A leading "0x" is accepted.
// When size is positive the decoded ID must be exactly size bytes.
func ValidateHexID(input string, size int) ([]byte, error) {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, ErrHexEmpty
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHexInvalid, err)
	}
	if size > 0 && len(b) != size {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrHexLength, len(b), size)
	}
	return b, nil
}

// ValidateMessageName checks a service or message name taken from a URL path.
func ValidateMessageName(name string) error {
	if name == "" || len(name) > MaxMessageNameLength {
		return fmt.Errorf("%w: %q", ErrMessageName, name)
	}
	for i, c := range name {
		if !isAllowedNameRune(c, i == 0) {
			return fmt.Errorf("%w: %q", ErrMessageName, name)
		}
	}
	return nil
}

func isAllowedNameRune(r rune, first bool) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return !first
	}
	return false
}
