package tts

import (
	"context"
	"log/slog"
	"slices"

	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/tokenizer"
)

// Inference is the engine surface the stages need. *onnx.Engine satisfies it.
type Inference interface {
	Run(ctx context.Context, graph string, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	Has(graph string) bool
	AcceptsInput(graph, name string) bool
}

// Graph contract. The optional semantic graph maps text embeddings to
// semantic conditioning of width semantic_dim.
const (
	graphSemantic  = "semantic"
	outputSemantic = "semantic"
)

// Dims are the tensor widths every stage checks against.
type Dims struct {
	EmbedDim    int
	SemanticDim int
	CoarseVocab int
	FineVocab   int
}

// TextEncoder runs the text_encoder graph.
type TextEncoder struct {
	engine Inference
	dims   Dims
}

func NewTextEncoder(engine Inference, dims Dims) *TextEncoder {
	return &TextEncoder{engine: engine, dims: dims}
}

// Encode returns text embeddings of shape [1, L, embed_dim].
func (e *TextEncoder) Encode(ctx context.Context, seq tokenizer.Sequence) (*onnx.Tensor, error) {
	seqLen := int64(seq.Len())

	tokens, err := onnx.NewTensor(seq.IDs, []int64{1, seqLen})
	if err != nil {
		return nil, err
	}

	out, err := runGraph(ctx, e.engine, native.GraphTextEncoder, map[string]*onnx.Tensor{native.InputTokens: tokens})
	if err != nil {
		return nil, err
	}

	return expectOutput(StageTextEncoder, native.OutputEmbeddings, out, onnx.DTypeFloat32,
		[]int64{1, seqLen, int64(e.dims.EmbedDim)})
}

// SemanticSource produces the semantic conditioning for the coarse stage.
// Without a semantic graph it falls back to zeros.
type SemanticSource struct {
	engine Inference
	dims   Dims
	logger *slog.Logger
}

func NewSemanticSource(engine Inference, dims Dims, logger *slog.Logger) *SemanticSource {
	return &SemanticSource{engine: engine, dims: dims, logger: logger}
}

// Conditioning returns [1, L, semantic_dim] or nil when semantic_dim is zero.
func (s *SemanticSource) Conditioning(ctx context.Context, textEmb *onnx.Tensor) (*onnx.Tensor, error) {
	if s.dims.SemanticDim == 0 {
		return nil, nil
	}

	shape := textEmb.Shape()
	want := []int64{shape[0], shape[1], int64(s.dims.SemanticDim)}

	if !s.engine.Has(graphSemantic) {
		s.logger.Debug("semantic graph absent, using zero conditioning (approximation)",
			slog.Int("semantic_dim", s.dims.SemanticDim))

		return onnx.NewZeroTensor(onnx.DTypeFloat32, want)
	}

	out, err := runGraph(ctx, s.engine, graphSemantic, map[string]*onnx.Tensor{native.OutputEmbeddings: textEmb})
	if err != nil {
		return nil, err
	}

	return expectOutput(StageSemantic, outputSemantic, out, onnx.DTypeFloat32, want)
}

// CoarseStage runs the coarse graph over text and semantic conditioning.
type CoarseStage struct {
	engine Inference
	dims   Dims
}

func NewCoarseStage(engine Inference, dims Dims) *CoarseStage {
	return &CoarseStage{engine: engine, dims: dims}
}

// RunCoarse returns coarse logits of shape [1, L, coarse_vocab]. semanticEmb
// may be nil when semantic_dim is zero. style is passed only when the graph
// declares a style input.
func (c *CoarseStage) RunCoarse(ctx context.Context, textEmb, semanticEmb *onnx.Tensor, style []float32) (*onnx.Tensor, error) {
	if err := expectTensor(StageCoarse, native.OutputEmbeddings, textEmb, onnx.DTypeFloat32,
		[]int64{1, -1, int64(c.dims.EmbedDim)}); err != nil {
		return nil, err
	}

	seqLen := textEmb.Shape()[1]
	cond := textEmb

	if c.dims.SemanticDim > 0 {
		if err := expectTensor(StageCoarse, outputSemantic, semanticEmb, onnx.DTypeFloat32,
			[]int64{1, seqLen, int64(c.dims.SemanticDim)}); err != nil {
			return nil, err
		}

		joined, err := onnx.ConcatLastAxis(textEmb, semanticEmb)
		if err != nil {
			return nil, err
		}

		cond = joined
	}

	inputs := map[string]*onnx.Tensor{native.InputConditioning: cond}

	if len(style) > 0 && c.engine.AcceptsInput(native.GraphCoarse, native.InputStyle) {
		st, err := onnx.NewTensor(style, []int64{1, int64(len(style))})
		if err != nil {
			return nil, err
		}

		inputs[native.InputStyle] = st
	}

	out, err := runGraph(ctx, c.engine, native.GraphCoarse, inputs)
	if err != nil {
		return nil, err
	}

	return expectOutput(StageCoarse, native.OutputLogits, out, onnx.DTypeFloat32,
		[]int64{1, seqLen, int64(c.dims.CoarseVocab)})
}

// FineStage turns coarse codes into fine logits. Iterative decoders can
// replace the single-pass default.
type FineStage interface {
	RunFine(ctx context.Context, coarseCodes *onnx.Tensor) (*onnx.Tensor, error)
}

// SinglePassFine runs the fine graph once, not autoregressively.
type SinglePassFine struct {
	engine Inference
	dims   Dims
}

func NewSinglePassFine(engine Inference, dims Dims) *SinglePassFine {
	return &SinglePassFine{engine: engine, dims: dims}
}

// RunFine returns fine logits of shape [1, L, fine_vocab].
func (f *SinglePassFine) RunFine(ctx context.Context, coarseCodes *onnx.Tensor) (*onnx.Tensor, error) {
	if err := expectTensor(StageFine, native.InputCoarseCodes, coarseCodes, onnx.DTypeInt64, []int64{1, -1}); err != nil {
		return nil, err
	}

	out, err := runGraph(ctx, f.engine, native.GraphFine, map[string]*onnx.Tensor{native.InputCoarseCodes: coarseCodes})
	if err != nil {
		return nil, err
	}

	return expectOutput(StageFine, native.OutputLogits, out, onnx.DTypeFloat32,
		[]int64{1, coarseCodes.Shape()[1], int64(f.dims.FineVocab)})
}

func runGraph(ctx context.Context, engine Inference, graph string, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	out, err := engine.Run(ctx, graph, inputs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, &InferenceError{Graph: graph, Err: err}
	}

	return out, nil
}

func expectOutput(stage, name string, outputs map[string]*onnx.Tensor, kind onnx.TensorDType, want []int64) (*onnx.Tensor, error) {
	t := outputs[name]
	if err := expectTensor(stage, name, t, kind, want); err != nil {
		return nil, err
	}

	return t, nil
}

// expectTensor checks kind and shape. A negative entry in want matches any
// dimension.
func expectTensor(stage, name string, t *onnx.Tensor, kind onnx.TensorDType, want []int64) error {
	mismatch := &ShapeMismatchError{Stage: stage, Tensor: name, Want: want, WantKind: kind}
	if t == nil {
		return mismatch
	}

	got := t.Shape()
	mismatch.Got = got
	mismatch.GotKind = t.DType()

	if t.DType() != kind || len(got) != len(want) {
		return mismatch
	}

	matches := slices.EqualFunc(got, want, func(g, w int64) bool { return w < 0 || g == w })
	if !matches {
		return mismatch
	}

	return nil
}
