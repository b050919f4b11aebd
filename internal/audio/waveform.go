package audio

import (
	"errors"
	"time"
)

// Output container format. Artifacts are always mono 16-bit PCM.
const (
	Channels = 1
	BitDepth = 16
)

var (
	// ErrEmptyWaveform is returned when a waveform has no samples to write.
	ErrEmptyWaveform = errors.New("waveform has no samples")
	// ErrInvalidSampleRate is returned for non-positive sample rates.
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// Waveform is the final 16-bit sample buffer for one request.
type Waveform struct {
	Samples    []int16
	SampleRate int
}

func (w Waveform) Duration() time.Duration {
	if w.SampleRate < 1 {
		return 0
	}

	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

func (w Waveform) validate() error {
	if w.SampleRate < 1 {
		return ErrInvalidSampleRate
	}
	if len(w.Samples) == 0 {
		return ErrEmptyWaveform
	}

	return nil
}
