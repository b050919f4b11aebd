package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
)

// smokeLen is the sequence length fed to every graph during verification.
const smokeLen = 2

type VerifyOptions struct {
	ModelPath string
	Runtime   config.RuntimeConfig
	Stdout    io.Writer
	Stderr    io.Writer
}

func (o *VerifyOptions) defaults() {
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	if o.Stderr == nil {
		o.Stderr = io.Discard
	}
}

// VerifyONNX loads every graph of an ONNX manifest and runs it once on zero
// inputs shaped after the manifest. Dynamic axes are set to 1.
func VerifyONNX(ctx context.Context, opts VerifyOptions) error {
	opts.defaults()

	if opts.ModelPath == "" {
		return errors.New("manifest path is required")
	}

	sm, err := onnx.NewSessionManager(opts.ModelPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	inputs := make(map[string]map[string]*onnx.Tensor)
	for _, session := range sm.Sessions() {
		in, err := zeroInputs(session.Inputs)
		if err != nil {
			return fmt.Errorf("session %q: %w", session.Name, err)
		}
		inputs[session.Name] = in
	}

	rc, err := onnx.RunnerConfigFor(opts.Runtime)
	if err != nil {
		return err
	}

	engine, err := onnx.NewEngine(sm, rc)
	if err != nil {
		return err
	}
	defer engine.Close()

	return smoke(ctx, engine, inputs, opts)
}

// VerifyReference loads reference weights and runs each graph once.
func VerifyReference(ctx context.Context, opts VerifyOptions) error {
	opts.defaults()

	m, err := native.LoadModel(opts.ModelPath)
	if err != nil {
		return fmt.Errorf("load reference model: %w", err)
	}
	defer m.Close()

	dims := m.Dims()
	fmt.Fprintf(opts.Stdout, "dims: vocab=%d embed=%d semantic=%d coarse=%d fine=%d style=%d\n",
		dims.Vocab, dims.EmbedDim, dims.SemanticDim, dims.CoarseVocab, dims.FineVocab, dims.StyleDim)

	tokens, err := onnx.NewZeroTensor(onnx.DTypeInt64, []int64{1, smokeLen})
	if err != nil {
		return err
	}
	cond, err := onnx.NewZeroTensor(onnx.DTypeFloat32, []int64{1, smokeLen, int64(dims.EmbedDim + dims.SemanticDim)})
	if err != nil {
		return err
	}

	inputs := map[string]map[string]*onnx.Tensor{
		native.GraphTextEncoder: {native.InputTokens: tokens},
		native.GraphCoarse:      {native.InputConditioning: cond},
		native.GraphFine:        {native.InputCoarseCodes: tokens},
	}

	engine := onnx.NewEngineWithRunners(m.Runners())
	defer engine.Close()

	return smoke(ctx, engine, inputs, opts)
}

func smoke(ctx context.Context, engine *onnx.Engine, inputs map[string]map[string]*onnx.Tensor, opts VerifyOptions) error {
	var failures []string

	for _, graph := range engine.Graphs() {
		outputs, err := engine.Run(ctx, graph, inputs[graph])
		if err == nil && len(outputs) == 0 {
			err = errors.New("graph produced no outputs")
		}
		if err != nil {
			fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", graph, err)
			failures = append(failures, graph)
			continue
		}

		shapes := make([]string, 0, len(outputs))
		for name, t := range outputs {
			shapes = append(shapes, fmt.Sprintf("%s=%v", name, t.Shape()))
		}
		fmt.Fprintf(opts.Stdout, "PASS %s %s\n", graph, strings.Join(shapes, " "))
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d graph(s): %s", len(failures), strings.Join(failures, ", "))
	}

	return nil
}

func zeroInputs(nodes []onnx.NodeInfo) (map[string]*onnx.Tensor, error) {
	out := make(map[string]*onnx.Tensor, len(nodes))
	for _, n := range nodes {
		dtype, err := onnx.CanonicalDType(n.DType)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", n.Name, err)
		}

		t, err := onnx.NewZeroTensor(dtype, concreteShape(n))
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", n.Name, err)
		}
		out[n.Name] = t
	}
	return out, nil
}

// concreteShape picks a runnable shape for a node: symbolic axes become 1.
func concreteShape(n onnx.NodeInfo) []int64 {
	shape := n.Dims()
	for i, d := range shape {
		if d < 1 {
			shape[i] = 1
		}
	}
	return shape
}
