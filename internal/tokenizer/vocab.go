package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"
)

// VocabTokenizer maps each rune onto the id listed for it in a tokens.txt
// table. Lines are "<symbol> <id>"; the symbol may itself be a space.
type VocabTokenizer struct {
	ids   map[rune]int64
	maxID int64
}

func LoadVocab(path string) (*VocabTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary: %w", err)
	}
	defer f.Close()

	v, err := ParseVocab(f)
	if err != nil {
		return nil, fmt.Errorf("parse vocabulary %q: %w", path, err)
	}

	return v, nil
}

func ParseVocab(r io.Reader) (*VocabTokenizer, error) {
	v := &VocabTokenizer{ids: make(map[rune]int64), maxID: -1}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		sep := strings.LastIndexAny(line, " \t")
		if sep < 1 {
			return nil, fmt.Errorf("line %d: expected \"<symbol> <id>\", got %q", lineNo, line)
		}

		symbol := line[:sep]
		id, err := strconv.ParseInt(line[sep+1:], 10, 64)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("line %d: invalid id %q", lineNo, line[sep+1:])
		}

		if utf8.RuneCountInString(symbol) != 1 {
			return nil, fmt.Errorf("line %d: symbol %q is not a single character", lineNo, symbol)
		}

		r, _ := utf8.DecodeRuneInString(symbol)
		if _, dup := v.ids[r]; dup {
			return nil, fmt.Errorf("line %d: duplicate symbol %q", lineNo, symbol)
		}

		v.ids[r] = id
		v.maxID = max(v.maxID, id)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if len(v.ids) == 0 {
		return nil, fmt.Errorf("vocabulary is empty")
	}

	return v, nil
}

// Encode looks text up rune by rune. The first unknown rune fails the whole
// call with an *UnknownSymbolError.
func (v *VocabTokenizer) Encode(text string) ([]int64, error) {
	ids := make([]int64, 0, len(text))
	for offset, r := range text {
		id, ok := v.ids[r]
		if !ok {
			return nil, &UnknownSymbolError{Rune: r, Offset: offset}
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Size is one past the largest id in the table.
func (v *VocabTokenizer) Size() int {
	return int(v.maxID) + 1
}

// Symbols returns the number of distinct symbols.
func (v *VocabTokenizer) Symbols() int {
	return len(v.ids)
}
