package tts

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/voicegen/internal/audio"
	"github.com/example/voicegen/internal/onnx"
)

// Assemble casts fine codes of shape [1, L] to 16-bit samples, saturating at
// the int16 range, and holds each for max(1, round(hop*lengthScale))
// samples. The cast is a placeholder decode: the output is not
// production-quality audio.
func Assemble(fineCodes *onnx.Tensor, sampleRate int, lengthScale float64, hop int) (audio.Waveform, error) {
	if err := expectTensor(StageAssemble, "fine_codes", fineCodes, onnx.DTypeInt64, []int64{1, -1}); err != nil {
		return audio.Waveform{}, err
	}

	if sampleRate < 1 {
		return audio.Waveform{}, fmt.Errorf("%w: %d", audio.ErrInvalidSampleRate, sampleRate)
	}

	codes, err := onnx.ExtractInt64(fineCodes)
	if err != nil {
		return audio.Waveform{}, err
	}

	hold := HoldSamples(hop, lengthScale)
	samples := make([]int16, 0, len(codes)*hold)

	for _, c := range codes {
		s := saturateInt16(c)
		for range hold {
			samples = append(samples, s)
		}
	}

	return audio.Waveform{Samples: samples, SampleRate: sampleRate}, nil
}

// HoldSamples is how many samples each code occupies.
func HoldSamples(hop int, lengthScale float64) int {
	n := int(math.Round(float64(hop) * lengthScale))

	return max(1, n)
}

func saturateInt16(v int64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// WriteArtifact writes w to path as mono 16-bit PCM WAV. The file is created
// exclusively and removed again on failure.
func WriteArtifact(path string, w audio.Waveform) error {
	if err := audio.WriteWAVFile(path, w); err != nil {
		return &AudioWriteError{Path: path, Err: err}
	}

	return nil
}

// errZeroLength guards against an assembler that produced nothing.
var errZeroLength = errors.New("assembled waveform is empty")
