package onnx

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

var (
	// ErrRuntimeUnavailable means the ORT library could not be loaded or
	// refused to open a graph.
	ErrRuntimeUnavailable = errors.New("onnx runtime unavailable")
	// ErrRunFailed marks a failure reported by ORT while executing a graph.
	ErrRunFailed = errors.New("onnx graph run failed")
)

const defaultAPIVersion = 23

// RunError wraps an ORT failure for one graph. Code is the ORT status code
// when ORT reported one.
type RunError struct {
	Graph string
	Code  ort.ErrorCode
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run graph %q: %v", e.Graph, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func (e *RunError) Is(target error) bool {
	return target == ErrRunFailed
}

// RunnerConfig carries the ORT library location and session tuning.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
	// Threads is the intra-op thread count; 0 leaves the ORT default.
	Threads int
}

func (c RunnerConfig) sessionOptions() *ort.SessionOptions {
	if c.Threads <= 0 {
		return nil
	}

	return &ort.SessionOptions{IntraOpNumThreads: c.Threads}
}

// Runner executes one manifest graph on ONNX Runtime. Inputs are checked
// against the manifest declaration before they are handed to ORT.
type Runner struct {
	meta    Session
	runtime *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

// NewRunner loads the ORT library and opens a session for meta.
func NewRunner(meta Session, cfg RunnerConfig) (*Runner, error) {
	if cfg.APIVersion == 0 {
		cfg.APIVersion = defaultAPIVersion
	}

	rt, err := ort.NewRuntime(cfg.LibraryPath, cfg.APIVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrRuntimeUnavailable, cfg.LibraryPath, err)
	}

	r := &Runner{meta: meta, runtime: rt}

	r.env, err = rt.NewEnv("voicegen-"+meta.Name, ort.LoggingLevelWarning)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: env for graph %q: %w", ErrRuntimeUnavailable, meta.Name, err)
	}

	r.session, err = rt.NewSession(r.env, meta.Path, cfg.sessionOptions())
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: open graph %q from %s: %w", ErrRuntimeUnavailable, meta.Name, meta.Path, err)
	}

	return r, nil
}

// Run validates inputs against the manifest, executes the graph and copies
// the outputs back into Tensors.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if err := r.meta.CheckInputs(inputs); err != nil {
		return nil, err
	}
	if r.session == nil {
		return nil, &RunError{Graph: r.meta.Name, Err: errors.New("runner is closed")}
	}

	values := make(map[string]*ort.Value, len(inputs))
	defer closeValues(values)

	for name, t := range inputs {
		v, err := toValue(r.runtime, t)
		if err != nil {
			return nil, fmt.Errorf("graph %q input %q: %w", r.meta.Name, name, err)
		}
		values[name] = v
	}

	outputs, err := r.session.Run(ctx, values)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, runError(r.meta.Name, err)
	}
	defer closeValues(outputs)

	results := make(map[string]*Tensor, len(outputs))
	for name, v := range outputs {
		t, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("graph %q output %q: %w", r.meta.Name, name, err)
		}
		results[name] = t
	}

	return results, nil
}

func runError(graph string, err error) error {
	re := &RunError{Graph: graph, Err: err}

	var ortErr *ort.RuntimeError
	if errors.As(err, &ortErr) {
		re.Code = ortErr.Code
	}

	return re
}

// Close releases the session, env and library handle. Safe to call twice.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.env != nil {
		r.env.Close()
		r.env = nil
	}
	if r.runtime != nil {
		_ = r.runtime.Close()
		r.runtime = nil
	}
}

func (r *Runner) Name() string {
	return r.meta.Name
}

// InputNames lists the inputs the manifest declares for this graph.
func (r *Runner) InputNames() []string {
	names := make([]string, len(r.meta.Inputs))
	for i, in := range r.meta.Inputs {
		names[i] = in.Name
	}

	return names
}

func toValue(rt *ort.Runtime, t *Tensor) (*ort.Value, error) {
	switch t.DType() {
	case DTypeFloat32:
		data, err := ExtractFloat32(t)
		if err != nil {
			return nil, err
		}
		return ort.NewTensorValue(rt, data, t.Shape())
	case DTypeInt64:
		data, err := ExtractInt64(t)
		if err != nil {
			return nil, err
		}
		return ort.NewTensorValue(rt, data, t.Shape())
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", t.DType())
	}
}

func fromValue(v *ort.Value) (*Tensor, error) {
	kind, err := v.GetTensorElementType()
	if err != nil {
		return nil, fmt.Errorf("element type: %w", err)
	}

	switch kind {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}
		return NewTensor(data, shape)
	default:
		return nil, fmt.Errorf("unsupported ORT element type %d", kind)
	}
}

func closeValues(vals map[string]*ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Close()
		}
	}
}
