package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateHexID_Empty(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"prefix only", "0x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateHexID(tc.input, 0)
			if !errors.Is(err, ErrHexEmpty) {
				t.Errorf("error = %v, want ErrHexEmpty", err)
			}
		})
	}
}

func TestValidateHexID_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"odd length", "abc"},
		{"non hex", "zz"},
		{"inner space", "ab cd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateHexID(tc.input, 0)
			if !errors.Is(err, ErrHexInvalid) {
				t.Errorf("error = %v, want ErrHexInvalid", err)
			}
		})
	}
}

func TestValidateHexID_Length(t *testing.T) {
	_, err := ValidateHexID("abcd", 32)
	if !errors.Is(err, ErrHexLength) {
		t.Errorf("error = %v, want ErrHexLength", err)
	}
}

func TestValidateHexID_Valid(t *testing.T) {
	id := strings.Repeat("0a", 32)
	tests := []struct {
		name  string
		input string
	}{
		{"plain", id},
		{"padded", "  " + id + "\n"},
		{"prefixed", "0x" + id},
		{"upper", strings.ToUpper(id)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := ValidateHexID(tc.input, 32)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(b) != 32 || b[0] != 0x0a {
				t.Errorf("decoded = %x", b)
			}
		})
	}
}

func TestValidateMessageName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"message", "GetUpdateChain", false},
		{"service", "Skipchain", false},
		{"with digits", "Msg2", false},
		{"empty", "", true},
		{"leading digit", "2Msg", true},
		{"slash", "Get/Update", true},
		{"dot", "..", true},
		{"unicode", "Gét", true},
		{"too long", strings.Repeat("a", MaxMessageNameLength+1), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessageName(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrMessageName) {
					t.Errorf("error = %v, want ErrMessageName", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
