package onnx

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// GraphRunner executes one named graph. ORT sessions and the pure-Go
// reference kernels both satisfy it.
type GraphRunner interface {
	Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error)
	Name() string
	Close()
}

// inputLister is implemented by runners that know their declared inputs.
type inputLister interface {
	InputNames() []string
}

// ErrGraphNotFound is returned when a stage asks for a graph the engine was
// not built with.
var ErrGraphNotFound = errors.New("graph not found")

// Engine dispatches named tensors to the runner registered for a graph.
// It is built once per process and is safe for concurrent use.
type Engine struct {
	runners   map[string]GraphRunner
	closeOnce sync.Once
}

// NewEngine opens one ORT runner per graph listed in the manifest.
func NewEngine(sm *SessionManager, cfg RunnerConfig) (*Engine, error) {
	runners := make(map[string]GraphRunner)
	for _, s := range sm.Sessions() {
		r, err := NewRunner(s, cfg)
		if err != nil {
			for _, opened := range runners {
				opened.Close()
			}
			return nil, fmt.Errorf("open graph %q: %w", s.Name, err)
		}
		runners[s.Name] = r
	}

	return &Engine{runners: runners}, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
func NewEngineWithRunners(runners map[string]GraphRunner) *Engine {
	internal := make(map[string]GraphRunner, len(runners))
	maps.Copy(internal, runners)

	return &Engine{runners: internal}
}

// Run executes graph with the given inputs.
func (e *Engine) Run(ctx context.Context, graph string, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	r, ok := e.runners[graph]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGraphNotFound, graph)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return r.Run(ctx, inputs)
}

// Has reports whether the engine can run graph.
func (e *Engine) Has(graph string) bool {
	_, ok := e.runners[graph]
	return ok
}

// AcceptsInput reports whether graph declares an input called name. Runners
// that do not describe their inputs accept nothing optional.
func (e *Engine) AcceptsInput(graph, name string) bool {
	r, ok := e.runners[graph]
	if !ok {
		return false
	}
	lister, ok := r.(inputLister)
	if !ok {
		return false
	}

	return slices.Contains(lister.InputNames(), name)
}

// Graphs lists the registered graph names in sorted order.
func (e *Engine) Graphs() []string {
	return slices.Sorted(maps.Keys(e.runners))
}

// Close releases every runner. Safe to call multiple times.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		for _, r := range e.runners {
			r.Close()
		}
	})
}
