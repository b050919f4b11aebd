package native

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/example/voicegen/internal/safetensors"
)

// DefaultFineDim is the hidden width of the reference fine stage.
const DefaultFineDim = 64

const referenceScale = 0.1

// ReferenceWeights generates a deterministic set of weights for the three
// graphs. The result loads with LoadModelFromStore and is meant for local
// runs and tests, not for intelligible speech.
func ReferenceWeights(dims Dims, seed uint64) ([]safetensors.Tensor, error) {
	if err := dims.validate(); err != nil {
		return nil, err
	}

	fineDim := dims.FineDim
	if fineDim == 0 {
		fineDim = DefaultFineDim
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	in := dims.EmbedDim + dims.SemanticDim

	tensors := []safetensors.Tensor{
		randomTensor(rng, "text_encoder.embedding", dims.Vocab, dims.EmbedDim),
		randomTensor(rng, "coarse.proj.weight", dims.CoarseVocab, in),
		randomTensor(rng, "coarse.proj.bias", dims.CoarseVocab),
		randomTensor(rng, "fine.embedding", dims.CoarseVocab, fineDim),
		randomTensor(rng, "fine.proj.weight", dims.FineVocab, fineDim),
		randomTensor(rng, "fine.proj.bias", dims.FineVocab),
	}

	if dims.StyleDim > 0 {
		tensors = append(tensors, randomTensor(rng, "coarse.style.weight", dims.CoarseVocab, dims.StyleDim))
	}

	return tensors, nil
}

// ReferenceStyles generates one [1, dim] style vector per voice name.
func ReferenceStyles(names []string, dim int, seed uint64) ([]safetensors.Tensor, error) {
	if dim < 1 {
		return nil, fmt.Errorf("native: style dim must be positive, got %d", dim)
	}

	rng := rand.New(rand.NewPCG(seed, ^seed))
	out := make([]safetensors.Tensor, 0, len(names))

	for _, name := range names {
		out = append(out, randomTensor(rng, name, 1, dim))
	}

	return out, nil
}

func (d Dims) validate() error {
	var errs []error

	check := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	check("vocab", d.Vocab)
	check("embed_dim", d.EmbedDim)
	check("coarse_vocab", d.CoarseVocab)
	check("fine_vocab", d.FineVocab)

	if d.SemanticDim < 0 {
		errs = append(errs, fmt.Errorf("semantic_dim must not be negative, got %d", d.SemanticDim))
	}

	if d.FineDim < 0 {
		errs = append(errs, fmt.Errorf("fine_dim must not be negative, got %d", d.FineDim))
	}

	if d.StyleDim < 0 {
		errs = append(errs, fmt.Errorf("style_dim must not be negative, got %d", d.StyleDim))
	}

	if len(errs) > 0 {
		return fmt.Errorf("native: invalid dims: %w", errors.Join(errs...))
	}

	return nil
}

func randomTensor(rng *rand.Rand, name string, shape ...int) safetensors.Tensor {
	count := 1
	dims := make([]int64, len(shape))

	for i, d := range shape {
		count *= d
		dims[i] = int64(d)
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * referenceScale)
	}

	return safetensors.Tensor{Name: name, Shape: dims, Data: data}
}
