// Package doctor provides environment preflight checks for voicegen.
package doctor

import (
	"fmt"
	"io"
	"os"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/native"
	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/tokenizer"
	"github.com/example/voicegen/internal/tts"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// RuntimeDetector locates the ONNX Runtime shared library.
type RuntimeDetector func(config.RuntimeConfig) (onnx.RuntimeInfo, error)

// Config holds the settings under test and injectable checks.
type Config struct {
	Settings config.Config
	// DetectRuntime defaults to onnx.DetectRuntime. Only consulted for the
	// native-onnx backend.
	DetectRuntime RuntimeDetector
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

type reporter struct {
	w   io.Writer
	res *Result
}

func (p reporter) check(name string, detail string, err error) {
	if err != nil {
		p.res.failures = append(p.res.failures, fmt.Sprintf("%s: %v", name, err))
		fmt.Fprintf(p.w, "%s %s: %v\n", FailMark, name, err)
		return
	}
	fmt.Fprintf(p.w, "%s %s: %s\n", PassMark, name, detail)
}

// Run executes every check and writes one line per check to w.
func Run(cfg Config, w io.Writer) Result {
	var res Result
	p := reporter{w: w, res: &res}
	s := cfg.Settings

	p.check("config", "valid", s.Validate())

	backend, err := config.NormalizeBackend(s.Synthesis.Backend)
	p.check("backend", backend, err)

	modelErr := statFile(s.Paths.ModelPath)
	p.check("model", s.Paths.ModelPath, modelErr)

	if backend == config.BackendNativeSafetensors && modelErr == nil {
		p.check("model dims", "match synthesis settings", checkReferenceDims(s))
	}

	if backend == config.BackendNativeONNX {
		detect := cfg.DetectRuntime
		if detect == nil {
			detect = onnx.DetectRuntime
		}
		info, err := detect(s.Runtime)
		p.check("onnx runtime", fmt.Sprintf("%s (version %s)", info.LibraryPath, info.Version), err)
	} else {
		fmt.Fprintf(w, "%s onnx runtime: skipped (%s backend)\n", PassMark, backend)
	}

	if tok, err := tokenizer.Open(s.Paths.TokensPath); err != nil {
		p.check("tokens", "", err)
	} else if sized, ok := tok.(interface{ Size() int }); ok {
		p.check("tokens", fmt.Sprintf("%s (%d entries)", s.Paths.TokensPath, sized.Size()), nil)
	} else {
		p.check("tokens", s.Paths.TokensPath, nil)
	}

	if s.Paths.VoicesPath == "" {
		fmt.Fprintf(w, "%s voices: none configured\n", PassMark)
	} else if styles, err := tts.LoadVoiceStyles(s.Paths.VoicesPath); err != nil {
		p.check("voices", "", err)
	} else {
		p.check("voices", fmt.Sprintf("%s (%d styles, dim %d)", s.Paths.VoicesPath, styles.Len(), styles.Dim()), nil)
	}

	p.check("output dir", s.Paths.OutputDir, checkWritable(s.Paths.OutputDir))

	return res
}

func checkReferenceDims(s config.Config) error {
	m, err := native.LoadModel(s.Paths.ModelPath)
	if err != nil {
		return err
	}
	defer m.Close()

	return tts.CheckModelDims(m.Dims(), s.Synthesis)
}

func statFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// checkWritable creates dir if needed and tests it with a scratch file.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()

	return os.Remove(name)
}
