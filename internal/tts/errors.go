package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/voicegen/internal/onnx"
	"github.com/example/voicegen/internal/tokenizer"
)

var (
	// ErrValidation marks requests rejected before any stage runs.
	ErrValidation = errors.New("invalid request")

	ErrInvalidText        = fmt.Errorf("%w: text must not be empty", ErrValidation)
	ErrInvalidSpeaker     = fmt.Errorf("%w: speaker_id out of range", ErrValidation)
	ErrInvalidLengthScale = fmt.Errorf("%w: length_scale must be a finite positive number", ErrValidation)

	// ErrTokenization is shared with the tokenizer package so either side
	// can be matched with errors.Is.
	ErrTokenization = tokenizer.ErrTokenization

	ErrShapeMismatch   = errors.New("tensor shape mismatch")
	ErrInferenceEngine = errors.New("inference engine failure")
	ErrAudioWrite      = errors.New("audio write failed")
)

// Stage names used in StageError, logs and span names.
const (
	StageTokenize    = "tokenize"
	StageTextEncoder = "text_encoder"
	StageSemantic    = "semantic"
	StageCoarse      = "coarse"
	StageFine        = "fine"
	StageAssemble    = "assemble"
	StageWrite       = "write"
)

// ShapeMismatchError reports a tensor that does not match the contract of
// the stage consuming or producing it.
type ShapeMismatchError struct {
	Stage    string
	Tensor   string
	Want     []int64
	Got      []int64
	WantKind onnx.TensorDType
	GotKind  onnx.TensorDType
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: tensor %q: want %s%v, got %s%v",
		e.Stage, e.Tensor, e.WantKind, e.Want, e.GotKind, e.Got)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// InferenceError wraps a failure returned by the engine for one graph. An
// engine that rejects inputs against its graph declaration also matches
// ErrShapeMismatch.
type InferenceError struct {
	Graph string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("graph %s: %v", e.Graph, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) Is(target error) bool {
	switch target {
	case ErrInferenceEngine:
		return true
	case ErrShapeMismatch:
		return errors.Is(e.Err, onnx.ErrInputMismatch)
	}
	return false
}

// AudioWriteError reports a failed artifact write. No file is left behind.
type AudioWriteError struct {
	Path string
	Err  error
}

func (e *AudioWriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *AudioWriteError) Unwrap() error { return e.Err }

func (e *AudioWriteError) Is(target error) bool {
	return target == ErrAudioWrite
}

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Kind buckets errors for transports.
type Kind string

const (
	KindBadRequest Kind = "bad_request"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Classify maps a Synthesize error onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrTokenization),
		errors.Is(err, tokenizer.ErrEmptyInput):
		return KindBadRequest
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// StageOf returns the failing stage recorded in err, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}

	return ""
}
