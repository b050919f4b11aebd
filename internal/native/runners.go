package native

import (
	"context"
	"fmt"

	"github.com/example/voicegen/internal/onnx"
)

// Input and output tensor names shared with the ONNX export.
const (
	InputTokens       = "tokens"
	InputConditioning = "conditioning"
	InputStyle        = "style"
	InputCoarseCodes  = "coarse_codes"
	OutputEmbeddings  = "embeddings"
	OutputLogits      = "logits"
)

type textEncoderRunner struct {
	model *Model
}

func (r *textEncoderRunner) Name() string         { return GraphTextEncoder }
func (r *textEncoderRunner) InputNames() []string { return []string{InputTokens} }
func (r *textEncoderRunner) Close()               {}

func (r *textEncoderRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	ids, seqLen, err := int64Rows(inputs, InputTokens)
	if err != nil {
		return nil, err
	}

	emb, err := r.model.textEmbedding.Lookup(ids)
	if err != nil {
		return nil, err
	}

	out, err := onnx.NewTensor(emb, []int64{1, int64(seqLen), int64(r.model.dims.EmbedDim)})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{OutputEmbeddings: out}, nil
}

type coarseRunner struct {
	model *Model
}

func (r *coarseRunner) Name() string { return GraphCoarse }
func (r *coarseRunner) Close()       {}

func (r *coarseRunner) InputNames() []string {
	if r.model.coarseStyle != nil {
		return []string{InputConditioning, InputStyle}
	}

	return []string{InputConditioning}
}

func (r *coarseRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	cond, ok := inputs[InputConditioning]
	if !ok {
		return nil, fmt.Errorf("native: %s: missing input %q", GraphCoarse, InputConditioning)
	}

	shape := cond.Shape()
	width := r.model.coarseProj.In
	if len(shape) != 3 || shape[0] != 1 || shape[2] != int64(width) {
		return nil, fmt.Errorf("native: %s: conditioning shape %v, want [1 L %d]", GraphCoarse, shape, width)
	}

	x, err := onnx.ExtractFloat32(cond)
	if err != nil {
		return nil, fmt.Errorf("native: %s: %w", GraphCoarse, err)
	}

	seqLen := int(shape[1])

	logits, err := r.model.coarseProj.Forward(x, seqLen)
	if err != nil {
		return nil, err
	}

	if style, ok := inputs[InputStyle]; ok && r.model.coarseStyle != nil {
		bias, err := r.styleBias(style)
		if err != nil {
			return nil, err
		}

		vocab := r.model.coarseProj.Out
		for t := range seqLen {
			row := logits[t*vocab : (t+1)*vocab]
			for i := range row {
				row[i] += bias[i]
			}
		}
	}

	out, err := onnx.NewTensor(logits, []int64{1, int64(seqLen), int64(r.model.coarseProj.Out)})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{OutputLogits: out}, nil
}

func (r *coarseRunner) styleBias(style *onnx.Tensor) ([]float32, error) {
	shape := style.Shape()
	width := r.model.coarseStyle.In
	if len(shape) != 2 || shape[0] != 1 || shape[1] != int64(width) {
		return nil, fmt.Errorf("native: %s: style shape %v, want [1 %d]", GraphCoarse, shape, width)
	}

	s, err := onnx.ExtractFloat32(style)
	if err != nil {
		return nil, fmt.Errorf("native: %s: style: %w", GraphCoarse, err)
	}

	return r.model.coarseStyle.Forward(s, 1)
}

type fineRunner struct {
	model *Model
}

func (r *fineRunner) Name() string         { return GraphFine }
func (r *fineRunner) InputNames() []string { return []string{InputCoarseCodes} }
func (r *fineRunner) Close()               {}

func (r *fineRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	codes, seqLen, err := int64Rows(inputs, InputCoarseCodes)
	if err != nil {
		return nil, err
	}

	hidden, err := r.model.fineEmbedding.Lookup(codes)
	if err != nil {
		return nil, err
	}

	logits, err := r.model.fineProj.Forward(hidden, seqLen)
	if err != nil {
		return nil, err
	}

	out, err := onnx.NewTensor(logits, []int64{1, int64(seqLen), int64(r.model.fineProj.Out)})
	if err != nil {
		return nil, err
	}

	return map[string]*onnx.Tensor{OutputLogits: out}, nil
}

// int64Rows reads a [1, L] int64 input and returns its values and L.
func int64Rows(inputs map[string]*onnx.Tensor, name string) ([]int64, int, error) {
	t, ok := inputs[name]
	if !ok {
		return nil, 0, fmt.Errorf("native: missing input %q", name)
	}

	shape := t.Shape()
	if len(shape) != 2 || shape[0] != 1 {
		return nil, 0, fmt.Errorf("native: input %q shape %v, want [1 L]", name, shape)
	}

	ids, err := onnx.ExtractInt64(t)
	if err != nil {
		return nil, 0, fmt.Errorf("native: input %q: %w", name, err)
	}

	return ids, int(shape[1]), nil
}
