package native

import (
	"errors"
	"fmt"

	"github.com/example/voicegen/internal/safetensors"
)

// Linear is a dense layer y = W x + b with W stored row-major as [out, in].
type Linear struct {
	Weight []float32
	Bias   []float32 // optional [out]
	Out    int
	In     int
}

func loadLinear(vb *VarBuilder, name string, withBias bool) (*Linear, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if len(w.Shape) != 2 {
		return nil, fmt.Errorf("native: linear %q weight must be rank-2, got %v", name, w.Shape)
	}

	l := &Linear{Weight: w.Data, Out: int(w.Shape[0]), In: int(w.Shape[1])}

	if withBias {
		b, ok, err := vb.TensorMaybe(name + ".bias")
		if err != nil {
			return nil, err
		}

		if ok {
			if len(b.Shape) != 1 || b.Shape[0] != w.Shape[0] {
				return nil, fmt.Errorf("native: linear %q bias shape %v incompatible with weight %v", name, b.Shape, w.Shape)
			}

			l.Bias = b.Data
		}
	}

	return l, nil
}

// Forward applies the layer to rows vectors of width In packed in x and
// returns rows vectors of width Out.
func (l *Linear) Forward(x []float32, rows int) ([]float32, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("native: linear is not initialized")
	}

	if len(x) != rows*l.In {
		return nil, fmt.Errorf("native: linear input has %d values, want %d rows of %d", len(x), rows, l.In)
	}

	out := make([]float32, rows*l.Out)
	for r := range rows {
		in := x[r*l.In : (r+1)*l.In]
		dst := out[r*l.Out : (r+1)*l.Out]

		for o := range l.Out {
			acc := dot(l.Weight[o*l.In:(o+1)*l.In], in)
			if l.Bias != nil {
				acc += l.Bias[o]
			}

			dst[o] = acc
		}
	}

	return out, nil
}

// Embedding is a lookup table of shape [vocab, dim].
type Embedding struct {
	Table []float32
	Vocab int
	Dim   int
}

func loadEmbedding(vb *VarBuilder, name string) (*Embedding, error) {
	t, err := vb.Tensor(name)
	if err != nil {
		return nil, err
	}

	return embeddingFrom(name, t)
}

func embeddingFrom(name string, t *safetensors.Tensor) (*Embedding, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("native: embedding %q must be rank-2, got %v", name, t.Shape)
	}

	return &Embedding{Table: t.Data, Vocab: int(t.Shape[0]), Dim: int(t.Shape[1])}, nil
}

// Lookup gathers one row per id. Ids outside [0, Vocab) are an error.
func (e *Embedding) Lookup(ids []int64) ([]float32, error) {
	out := make([]float32, 0, len(ids)*e.Dim)

	for i, id := range ids {
		if id < 0 || id >= int64(e.Vocab) {
			return nil, fmt.Errorf("native: id %d at position %d outside vocabulary of %d", id, i, e.Vocab)
		}

		out = append(out, e.Table[int(id)*e.Dim:(int(id)+1)*e.Dim]...)
	}

	return out, nil
}

func dot(a, b []float32) float32 {
	var acc float32
	for i := range a {
		acc += a[i] * b[i]
	}

	return acc
}
