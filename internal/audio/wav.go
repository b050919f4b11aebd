package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

// WriteWAV encodes w as mono 16-bit PCM into ws.
func WriteWAV(ws io.WriteSeeker, w Waveform) error {
	if err := w.validate(); err != nil {
		return err
	}

	// The encoder takes normalized floats and scales back to 16-bit on write.
	data := make([]float32, len(w.Samples))
	for i, s := range w.Samples {
		data[i] = float32(s) / 32768
	}

	enc := wav.NewEncoder(ws, w.SampleRate, BitDepth, Channels, 1) // 1 = PCM
	buf := &goaudio.Float32Buffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: w.SampleRate, NumChannels: Channels},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write pcm: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}

	return nil
}

// EncodeWAV returns w as an in-memory WAV file.
func EncodeWAV(w Waveform) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&seekBuffer{buf: &buf}, w); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// WriteWAVFile creates path exclusively and writes w into it. If anything
// fails the partial file is removed, so callers never see a truncated WAV.
func WriteWAVFile(path string, w Waveform) (err error) {
	if err := w.validate(); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
		if err != nil {
			err = errors.Join(err, removeIfExists(path))
		}
	}()

	return WriteWAV(f, w)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial %s: %w", path, err)
	}

	return nil
}

// seekBuffer adapts a bytes.Buffer to io.WriteSeeker; the wav encoder seeks
// back to patch chunk sizes on Close.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}

	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}
	s.pos += len(p)

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case io.SeekStart:
		newPos = int(offset)
	case io.SeekCurrent:
		newPos = s.pos + int(offset)
	case io.SeekEnd:
		newPos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if newPos < 0 || newPos > s.buf.Len() {
		return 0, fmt.Errorf("seek to %d outside buffer of %d bytes", newPos, s.buf.Len())
	}
	s.pos = newPos

	return int64(newPos), nil
}
