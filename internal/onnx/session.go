package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrInputMismatch marks a named input that does not match what the graph
// manifest declares for it.
var ErrInputMismatch = errors.New("input does not match graph declaration")

// NodeInfo describes one graph input or output. Shape entries are positive
// numbers for fixed axes and strings (or anything else) for symbolic ones.
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Kind returns the declared element kind, or "" when the node leaves it open.
func (n NodeInfo) Kind() (TensorDType, error) {
	if n.DType == "" {
		return "", nil
	}

	return CanonicalDType(n.DType)
}

// Dims returns the declared shape with -1 for every symbolic axis. A nil
// result means the manifest did not declare a shape.
func (n NodeInfo) Dims() []int64 {
	if n.Shape == nil {
		return nil
	}

	dims := make([]int64, len(n.Shape))
	for i, d := range n.Shape {
		dims[i] = -1
		switch v := d.(type) {
		case float64:
			if v >= 1 {
				dims[i] = int64(v)
			}
		case int:
			if v >= 1 {
				dims[i] = int64(v)
			}
		case int64:
			if v >= 1 {
				dims[i] = v
			}
		}
	}

	return dims
}

// Check reports whether t satisfies the declaration: same element kind, same
// rank and equal extents on every fixed axis.
func (n NodeInfo) Check(t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: %q is nil", ErrInputMismatch, n.Name)
	}

	kind, err := n.Kind()
	if err != nil {
		return err
	}
	if kind != "" && t.DType() != kind {
		return fmt.Errorf("%w: %q is %s, declared %s", ErrInputMismatch, n.Name, t.DType(), kind)
	}

	want := n.Dims()
	if want == nil {
		return nil
	}

	got := t.Shape()
	if len(got) != len(want) {
		return fmt.Errorf("%w: %q has shape %v, declared rank %d", ErrInputMismatch, n.Name, got, len(want))
	}
	for i, d := range want {
		if d > 0 && got[i] != d {
			return fmt.Errorf("%w: %q axis %d is %d, declared %d", ErrInputMismatch, n.Name, i, got[i], d)
		}
	}

	return nil
}

// Session is one graph entry of the manifest with its file resolved.
type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// CheckInputs validates a full input set: every declared input present,
// nothing undeclared, and each tensor matching its declaration.
func (s Session) CheckInputs(inputs map[string]*Tensor) error {
	declared := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		declared[in.Name] = true

		t, ok := inputs[in.Name]
		if !ok {
			return fmt.Errorf("%w: graph %q is missing input %q", ErrInputMismatch, s.Name, in.Name)
		}
		if err := in.Check(t); err != nil {
			return fmt.Errorf("graph %q: %w", s.Name, err)
		}
	}

	for name := range inputs {
		if !declared[name] {
			return fmt.Errorf("%w: graph %q does not declare input %q", ErrInputMismatch, s.Name, name)
		}
	}

	return nil
}

// SessionManager holds the graphs of one manifest in file order. It is
// read-only after construction.
type SessionManager struct {
	sessions map[string]Session
	order    []string
}

type graphManifest struct {
	Graphs []graphEntry `json:"graphs"`
}

type graphEntry struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

// NewSessionManager reads a graph manifest of the form
//
//	{"graphs": [{"name": "coarse", "filename": "coarse.onnx", "inputs": [...], "outputs": [...]}]}
//
// Relative filenames resolve against the manifest directory.
func NewSessionManager(manifestPath string, logger *slog.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "onnx"))

	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read graph manifest: %w", err)
	}

	var manifest graphManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode graph manifest %s: %w", manifestPath, err)
	}
	if len(manifest.Graphs) == 0 {
		return nil, fmt.Errorf("graph manifest %s lists no graphs", manifestPath)
	}

	sm := &SessionManager{sessions: make(map[string]Session, len(manifest.Graphs))}
	baseDir := filepath.Dir(manifestPath)

	for _, g := range manifest.Graphs {
		s, err := g.resolve(baseDir)
		if err != nil {
			return nil, err
		}
		if _, dup := sm.sessions[s.Name]; dup {
			return nil, fmt.Errorf("graph %q listed twice in manifest", s.Name)
		}

		sm.sessions[s.Name] = s
		sm.order = append(sm.order, s.Name)

		logger.Info("graph registered",
			slog.String("graph", s.Name),
			slog.String("path", s.Path),
			slog.String("inputs", nodeNames(s.Inputs)),
			slog.String("outputs", nodeNames(s.Outputs)))
	}

	return sm, nil
}

func (g graphEntry) resolve(baseDir string) (Session, error) {
	if g.Name == "" {
		return Session{}, errors.New("manifest graph has empty name")
	}
	if g.Filename == "" {
		return Session{}, fmt.Errorf("manifest graph %q has empty filename", g.Name)
	}

	seen := make(map[string]bool, len(g.Inputs)+len(g.Outputs))
	for _, n := range append(append([]NodeInfo(nil), g.Inputs...), g.Outputs...) {
		if n.Name == "" {
			return Session{}, fmt.Errorf("graph %q has an unnamed node", g.Name)
		}
		if seen[n.Name] {
			return Session{}, fmt.Errorf("graph %q declares node %q twice", g.Name, n.Name)
		}
		seen[n.Name] = true

		if _, err := n.Kind(); err != nil {
			return Session{}, fmt.Errorf("graph %q node %q: %w", g.Name, n.Name, err)
		}
	}

	path := g.Filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	path = filepath.Clean(path)

	if _, err := os.Stat(path); err != nil {
		return Session{}, fmt.Errorf("graph %q: %w", g.Name, err)
	}

	return Session{
		Name:    g.Name,
		Path:    path,
		Inputs:  append([]NodeInfo(nil), g.Inputs...),
		Outputs: append([]NodeInfo(nil), g.Outputs...),
	}, nil
}

// Session returns the named graph.
func (m *SessionManager) Session(name string) (Session, bool) {
	s, ok := m.sessions[name]
	return s, ok
}

// Sessions returns every graph in manifest order.
func (m *SessionManager) Sessions() []Session {
	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		s := m.sessions[name]
		s.Inputs = append([]NodeInfo(nil), s.Inputs...)
		s.Outputs = append([]NodeInfo(nil), s.Outputs...)
		out = append(out, s)
	}

	return out
}

func nodeNames(nodes []NodeInfo) string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return strings.Join(names, ",")
}
