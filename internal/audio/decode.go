package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cwbudde/wav"
)

// Info describes a decoded WAV file.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	NumSamples int
}

// ErrFormatMismatch is returned when a decoded WAV is not mono 16-bit PCM.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// DecodeWAV parses WAV bytes, checks they are mono 16-bit PCM and returns the
// header info with the decoded samples.
func DecodeWAV(data []byte) (Info, []float32, error) {
	if len(data) == 0 {
		return Info{}, nil, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Info{}, nil, errors.New("invalid WAV file")
	}

	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}

	if info.Channels != Channels {
		return info, nil, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, info.Channels, Channels)
	}
	if info.BitDepth != BitDepth {
		return info, nil, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, info.BitDepth, BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return info, nil, fmt.Errorf("reading PCM data: %w", err)
	}

	info.NumSamples = len(buf.Data)

	return info, buf.Data, nil
}
