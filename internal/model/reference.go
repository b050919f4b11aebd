// Package model prepares and checks the model artifacts a synthesis service
// loads: a generated reference bundle for the pure-Go backend, and smoke
// runs over ONNX graph manifests.
package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/safetensors"
	"github.com/example/voicegen/internal/tts"
)

const (
	WeightsName = "model.safetensors"
	TokensName  = "tokens.txt"
	VoicesName  = "voices.safetensors"

	kindReference = "reference"
)

// DefaultSymbols is the tokens.txt alphabet of a reference bundle. Ids follow
// string order.
const DefaultSymbols = " !\"'(),-.:;?0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// InitOptions controls InitReference. Zero dims select DefaultDims.
type InitOptions struct {
	Dir     string
	Dims    native.Dims
	Symbols string
	Seed    uint64
	Force   bool
	Stdout  io.Writer
}

// Bundle lists the paths written by InitReference.
type Bundle struct {
	Dir          string
	ModelPath    string
	TokensPath   string
	VoicesPath   string
	ManifestPath string
	Dims         native.Dims
}

// DefaultDims matches the synthesis defaults of a fresh configuration.
func DefaultDims(symbols string) native.Dims {
	return native.Dims{
		Vocab:       len([]rune(symbols)),
		EmbedDim:    512,
		SemanticDim: 256,
		CoarseVocab: 1024,
		FineVocab:   1024,
		FineDim:     native.DefaultFineDim,
		StyleDim:    128,
	}
}

// InitReference writes a deterministic reference model, its symbol table,
// one style vector per voice and a checksum manifest into opts.Dir.
// Existing files are only replaced with Force.
func InitReference(opts InitOptions) (Bundle, error) {
	if opts.Dir == "" {
		return Bundle{}, errors.New("output directory is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}

	symbols := opts.Symbols
	if symbols == "" {
		symbols = DefaultSymbols
	}
	if err := checkSymbols(symbols); err != nil {
		return Bundle{}, err
	}

	dims := opts.Dims
	if dims == (native.Dims{}) {
		dims = DefaultDims(symbols)
	}
	if dims.Vocab < len([]rune(symbols)) {
		return Bundle{}, fmt.Errorf("vocab %d is smaller than the %d symbols", dims.Vocab, len([]rune(symbols)))
	}

	b := Bundle{
		Dir:          opts.Dir,
		ModelPath:    filepath.Join(opts.Dir, WeightsName),
		TokensPath:   filepath.Join(opts.Dir, TokensName),
		VoicesPath:   filepath.Join(opts.Dir, VoicesName),
		ManifestPath: filepath.Join(opts.Dir, ManifestName),
		Dims:         dims,
	}

	if !opts.Force {
		for _, p := range []string{b.ModelPath, b.TokensPath, b.VoicesPath, b.ManifestPath} {
			if _, err := os.Stat(p); err == nil {
				return Bundle{}, fmt.Errorf("%s already exists (use --force to overwrite): %w", p, os.ErrExist)
			}
		}
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Bundle{}, fmt.Errorf("create model dir: %w", err)
	}

	weights, err := native.ReferenceWeights(dims, opts.Seed)
	if err != nil {
		return Bundle{}, err
	}
	if err := safetensors.WriteFile(b.ModelPath, weights); err != nil {
		return Bundle{}, fmt.Errorf("write weights: %w", err)
	}
	fmt.Fprintf(opts.Stdout, "wrote %s (%d tensors)\n", b.ModelPath, len(weights))

	if err := os.WriteFile(b.TokensPath, []byte(tokensTable(symbols)), 0o644); err != nil {
		return Bundle{}, fmt.Errorf("write tokens: %w", err)
	}
	fmt.Fprintf(opts.Stdout, "wrote %s (%d symbols)\n", b.TokensPath, len([]rune(symbols)))

	names := []string{WeightsName, TokensName}

	if dims.StyleDim > 0 {
		styles, err := native.ReferenceStyles(tts.VoiceNames(), dims.StyleDim, opts.Seed+1)
		if err != nil {
			return Bundle{}, err
		}
		if err := safetensors.WriteFile(b.VoicesPath, styles); err != nil {
			return Bundle{}, fmt.Errorf("write voices: %w", err)
		}
		fmt.Fprintf(opts.Stdout, "wrote %s (%d voices)\n", b.VoicesPath, len(styles))
		names = append(names, VoicesName)
	} else {
		b.VoicesPath = ""
	}

	m := Manifest{Kind: kindReference, Seed: opts.Seed, Dims: dims}
	for _, name := range names {
		f, err := describeFile(opts.Dir, name)
		if err != nil {
			return Bundle{}, err
		}
		m.Files = append(m.Files, f)
	}
	if err := writeManifest(b.ManifestPath, m); err != nil {
		return Bundle{}, err
	}

	return b, nil
}

func checkSymbols(symbols string) error {
	seen := make(map[rune]bool)
	for _, r := range symbols {
		if r == '\n' || r == '\r' || r == '\t' {
			return fmt.Errorf("symbol table cannot contain control character %q", r)
		}
		if seen[r] {
			return fmt.Errorf("duplicate symbol %q", r)
		}
		seen[r] = true
	}
	return nil
}

func tokensTable(symbols string) string {
	var b strings.Builder
	id := 0
	for _, r := range symbols {
		fmt.Fprintf(&b, "%c %d\n", r, id)
		id++
	}
	return b.String()
}
