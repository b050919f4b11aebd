package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/safetensors"
	"github.com/example/voicegen/internal/tokenizer"
)

const testSymbols = " abcdefghijklmnopqrstuvwxyzHW"

var testModelDims = native.Dims{
	Vocab:       len(testSymbols),
	EmbedDim:    8,
	SemanticDim: 4,
	CoarseVocab: 16,
	FineVocab:   12,
	FineDim:     6,
	StyleDim:    5,
}

const testHop = 3

func testVocabText() string {
	var b strings.Builder
	for i, r := range testSymbols {
		fmt.Fprintf(&b, "%c %d\n", r, i)
	}

	return b.String()
}

func testTokenizer(t *testing.T) tokenizer.Tokenizer {
	t.Helper()

	tok, err := tokenizer.ParseVocab(strings.NewReader(testVocabText()))
	if err != nil {
		t.Fatalf("ParseVocab: %v", err)
	}

	return tok
}

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Paths.OutputDir = t.TempDir()
	cfg.Synthesis.Backend = config.BackendNativeSafetensors
	cfg.Synthesis.EmbedDim = testModelDims.EmbedDim
	cfg.Synthesis.SemanticDim = testModelDims.SemanticDim
	cfg.Synthesis.CoarseVocab = testModelDims.CoarseVocab
	cfg.Synthesis.FineVocab = testModelDims.FineVocab
	cfg.Synthesis.HopLength = testHop

	return cfg
}

func testModel(t *testing.T, dims native.Dims) *native.Model {
	t.Helper()

	tensors, err := native.ReferenceWeights(dims, 11)
	if err != nil {
		t.Fatalf("ReferenceWeights: %v", err)
	}

	data, err := safetensors.EncodeTensors(tensors)
	if err != nil {
		t.Fatalf("EncodeTensors: %v", err)
	}

	store, err := safetensors.OpenStoreFromBytes(data)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	m, err := native.LoadModelFromStore(store)
	if err != nil {
		t.Fatalf("LoadModelFromStore: %v", err)
	}
	t.Cleanup(m.Close)

	return m
}

// countingEngine wraps a real engine, counts calls per graph and lets tests
// corrupt outputs or inject failures.
type countingEngine struct {
	inner *onnx.Engine

	mu     sync.Mutex
	calls  map[string]int
	inputs map[string][]string

	fail     map[string]error
	corrupt  func(graph string, out map[string]*onnx.Tensor) map[string]*onnx.Tensor
	semantic func(inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	onRun    func(graph string)
}

func newCountingEngine(t *testing.T) *countingEngine {
	t.Helper()

	return &countingEngine{
		inner:  onnx.NewEngineWithRunners(testModel(t, testModelDims).Runners()),
		calls:  make(map[string]int),
		inputs: make(map[string][]string),
		fail:   make(map[string]error),
	}
}

func (e *countingEngine) Run(ctx context.Context, graph string, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	e.mu.Lock()
	e.calls[graph]++
	for name := range inputs {
		e.inputs[graph] = append(e.inputs[graph], name)
	}
	err := e.fail[graph]
	e.mu.Unlock()

	if e.onRun != nil {
		e.onRun(graph)
	}

	if err != nil {
		return nil, err
	}

	if graph == graphSemantic && e.semantic != nil {
		return e.semantic(inputs)
	}

	out, err := e.inner.Run(ctx, graph, inputs)
	if err != nil {
		return nil, err
	}

	if e.corrupt != nil {
		out = e.corrupt(graph, out)
	}

	return out, nil
}

func (e *countingEngine) Has(graph string) bool {
	if graph == graphSemantic {
		return e.semantic != nil
	}

	return e.inner.Has(graph)
}

func (e *countingEngine) AcceptsInput(graph, name string) bool {
	return e.inner.AcceptsInput(graph, name)
}

func (e *countingEngine) count(graph string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.calls[graph]
}

func (e *countingEngine) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, c := range e.calls {
		n += c
	}

	return n
}

func (e *countingEngine) inputNames(graph string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.inputs[graph]...)
}

func newTestService(t *testing.T, engine *countingEngine, mutate ...func(*config.Config, *Deps)) *Service {
	t.Helper()

	cfg := testConfig(t)
	deps := Deps{Engine: engine, Tokenizer: testTokenizer(t)}

	for _, m := range mutate {
		m(&cfg, &deps)
	}

	svc, err := NewServiceWithDeps(cfg, deps)
	if err != nil {
		t.Fatalf("NewServiceWithDeps: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc
}

func wavFiles(t *testing.T, dir string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}

	return matches
}

func assertNoFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("expected empty output dir, found %d entries", len(entries))
	}
}

func mustTensor[T int64 | float32](t *testing.T, data []T, shape ...int64) *onnx.Tensor {
	t.Helper()

	tensor, err := onnx.NewTensor(data, shape)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	return tensor
}

func writeStyles(t *testing.T, dir string, dim int) string {
	t.Helper()

	styles, err := native.ReferenceStyles(VoiceNames(), dim, 5)
	if err != nil {
		t.Fatalf("ReferenceStyles: %v", err)
	}

	path := filepath.Join(dir, "voices.safetensors")
	if err := safetensors.WriteFile(path, styles); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}
