package tokenizer

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize composes text to NFC, folds line endings and whitespace runs to
// single spaces and trims the result. Whitespace-only input yields
// ErrEmptyInput.
func Normalize(s string) (string, error) {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")

	if s == "" {
		return "", ErrEmptyInput
	}

	return s, nil
}
