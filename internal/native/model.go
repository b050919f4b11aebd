package native

import (
	"fmt"

	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/safetensors"
)

// Graph names served by the reference model.
const (
	GraphTextEncoder = "text_encoder"
	GraphCoarse      = "coarse"
	GraphFine        = "fine"
)

// Dims describes the widths the reference model was built with.
type Dims struct {
	Vocab       int
	EmbedDim    int
	SemanticDim int
	CoarseVocab int
	FineVocab   int
	FineDim     int
	StyleDim    int // zero when the coarse head takes no style input
}

// Model holds the reference weights for the three synthesis graphs.
type Model struct {
	store *safetensors.Store
	dims  Dims

	textEmbedding *Embedding
	coarseProj    *Linear
	coarseStyle   *Linear
	fineEmbedding *Embedding
	fineProj      *Linear
}

func LoadModel(path string) (*Model, error) {
	store, err := safetensors.OpenStore(path)
	if err != nil {
		return nil, err
	}

	m, err := LoadModelFromStore(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	return m, nil
}

// LoadModelFromStore reads the weights and infers Dims from their shapes.
func LoadModelFromStore(store *safetensors.Store) (*Model, error) {
	vb := NewVarBuilder(store)

	textEmb, err := loadEmbedding(vb.Path(GraphTextEncoder), "embedding")
	if err != nil {
		return nil, fmt.Errorf("native: load %s: %w", GraphTextEncoder, err)
	}

	coarse := vb.Path(GraphCoarse)

	proj, err := loadLinear(coarse, "proj", true)
	if err != nil {
		return nil, fmt.Errorf("native: load %s: %w", GraphCoarse, err)
	}

	if proj.In < textEmb.Dim {
		return nil, fmt.Errorf("native: coarse input width %d is narrower than embedding width %d", proj.In, textEmb.Dim)
	}

	var style *Linear
	if coarse.Has("style.weight") {
		style, err = loadLinear(coarse, "style", false)
		if err != nil {
			return nil, fmt.Errorf("native: load %s style: %w", GraphCoarse, err)
		}

		if style.Out != proj.Out {
			return nil, fmt.Errorf("native: coarse style head emits %d values, want %d", style.Out, proj.Out)
		}
	}

	fine := vb.Path(GraphFine)

	fineEmb, err := loadEmbedding(fine, "embedding")
	if err != nil {
		return nil, fmt.Errorf("native: load %s: %w", GraphFine, err)
	}

	if fineEmb.Vocab != proj.Out {
		return nil, fmt.Errorf("native: fine embedding covers %d codes, coarse emits %d", fineEmb.Vocab, proj.Out)
	}

	fineProj, err := loadLinear(fine, "proj", true)
	if err != nil {
		return nil, fmt.Errorf("native: load %s: %w", GraphFine, err)
	}

	if fineProj.In != fineEmb.Dim {
		return nil, fmt.Errorf("native: fine projection takes %d values, embedding has %d", fineProj.In, fineEmb.Dim)
	}

	dims := Dims{
		Vocab:       textEmb.Vocab,
		EmbedDim:    textEmb.Dim,
		SemanticDim: proj.In - textEmb.Dim,
		CoarseVocab: proj.Out,
		FineVocab:   fineProj.Out,
		FineDim:     fineEmb.Dim,
	}
	if style != nil {
		dims.StyleDim = style.In
	}

	return &Model{
		store:         store,
		dims:          dims,
		textEmbedding: textEmb,
		coarseProj:    proj,
		coarseStyle:   style,
		fineEmbedding: fineEmb,
		fineProj:      fineProj,
	}, nil
}

func (m *Model) Dims() Dims { return m.dims }

// Runners returns one graph runner per synthesis stage, ready for
// onnx.NewEngineWithRunners.
func (m *Model) Runners() map[string]onnx.GraphRunner {
	return map[string]onnx.GraphRunner{
		GraphTextEncoder: &textEncoderRunner{model: m},
		GraphCoarse:      &coarseRunner{model: m},
		GraphFine:        &fineRunner{model: m},
	}
}

func (m *Model) Close() {
	if m != nil && m.store != nil {
		m.store.Close()
	}
}
