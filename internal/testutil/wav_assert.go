package testutil

import (
	"encoding/binary"
	"errors"
	"testing"
)

// AssertValidWAV checks that data is a mono 16-bit PCM WAV at sampleRate
// with at least one sample.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) {
	tb.Helper()

	if len(data) < 44 {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		tb.Fatalf("WAV: missing RIFF header (got %q)", string(data[0:4]))
	}

	if string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing WAVE marker (got %q)", string(data[8:12]))
	}

	if string(data[12:16]) != "fmt " {
		tb.Fatalf("WAV: missing fmt chunk (got %q)", string(data[12:16]))
	}

	if f := binary.LittleEndian.Uint16(data[20:22]); f != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", f)
	}

	if ch := binary.LittleEndian.Uint16(data[22:24]); ch != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", ch)
	}

	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != uint32(sampleRate) {
		tb.Fatalf("WAV: expected sample rate %d, got %d", sampleRate, rate)
	}

	if bits := binary.LittleEndian.Uint16(data[34:36]); bits != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", bits)
	}

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if dataSize/2 == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}
}

// AssertWAVSampleCount asserts the data chunk holds exactly want samples.
func AssertWAVSampleCount(tb testing.TB, data []byte, want int) {
	tb.Helper()

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV sample count: %v", err)
	}

	if got := int(dataSize / 2); got != want {
		tb.Fatalf("WAV holds %d samples; want %d", got, want)
	}
}

// AssertWAVDurationApprox asserts that the duration at sampleRate falls
// within [minSec, maxSec].
func AssertWAVDurationApprox(tb testing.TB, data []byte, sampleRate int, minSec, maxSec float64) {
	tb.Helper()

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV duration check: %v", err)
	}

	durationSec := float64(dataSize/2) / float64(sampleRate)
	if durationSec < minSec || durationSec > maxSec {
		tb.Fatalf("WAV duration %.3fs out of expected range [%.3fs, %.3fs]", durationSec, minSec, maxSec)
	}
}

// findDataChunkSize walks the chunk list to the "data" sub-chunk and
// returns its size in bytes.
func findDataChunkSize(data []byte) (uint32, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			return size, nil
		}

		offset += 8 + int(size)
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
