// Package tokenizer turns request text into the token id sequence consumed by
// the text encoder graph. Two vocabularies are supported: a Kokoro style
// tokens.txt symbol table and a SentencePiece model.
package tokenizer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyInput is returned when the text is empty after normalization.
	ErrEmptyInput = errors.New("input text is empty")
	// ErrTokenization is returned when text cannot be mapped onto the vocabulary.
	ErrTokenization = errors.New("tokenization failed")
	// ErrEmptyPath is returned when a tokenizer is opened without a path.
	ErrEmptyPath = errors.New("tokenizer model path must not be empty")
)

// Tokenizer encodes normalized text into vocabulary ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
}

// Sequence is the immutable tokenizer output for one request.
type Sequence struct {
	IDs       []int64
	Text      string
	Truncated bool
}

func (s Sequence) Len() int {
	return len(s.IDs)
}

// UnknownSymbolError reports the first rune that has no vocabulary entry.
type UnknownSymbolError struct {
	Rune   rune
	Offset int
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("symbol %q at byte offset %d is not in the vocabulary", e.Rune, e.Offset)
}

func (e *UnknownSymbolError) Is(target error) bool {
	return target == ErrTokenization
}

// Tokenize normalizes text, encodes it with tok and truncates the result to
// maxLen ids when maxLen > 0.
func Tokenize(tok Tokenizer, text string, maxLen int) (Sequence, error) {
	normalized, err := Normalize(text)
	if err != nil {
		return Sequence{}, err
	}

	ids, err := tok.Encode(normalized)
	if err != nil {
		if errors.Is(err, ErrTokenization) {
			return Sequence{}, err
		}
		return Sequence{}, fmt.Errorf("%w: %w", ErrTokenization, err)
	}
	if len(ids) == 0 {
		return Sequence{}, fmt.Errorf("%w: %q produced no tokens", ErrTokenization, normalized)
	}
	for i, id := range ids {
		if id < 0 {
			return Sequence{}, fmt.Errorf("%w: negative id %d at position %d", ErrTokenization, id, i)
		}
	}

	seq := Sequence{IDs: ids, Text: normalized}
	if maxLen > 0 && len(ids) > maxLen {
		seq.IDs = ids[:maxLen:maxLen]
		seq.Truncated = true
	}

	return seq, nil
}

// Open loads the tokenizer matching path: SentencePiece for ".model" files,
// a symbol table otherwise.
func Open(path string) (Tokenizer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}

	if strings.EqualFold(filepath.Ext(path), ".model") {
		return NewSentencePieceTokenizer(path)
	}

	return LoadVocab(path)
}
