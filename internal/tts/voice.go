package tts

import (
	"errors"
	"fmt"
	"os"

	"github.com/example/voicegen/internal/safetensors"
)

// Voice is one entry of the fixed speaker table.
type Voice struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var voiceNames = [...]string{
	"af",
	"af_bella",
	"af_nicole",
	"af_sarah",
	"af_sky",
	"am_adam",
	"am_michael",
	"bf_emma",
	"bf_isabella",
	"bm_george",
	"bm_lewis",
}

// MaxSpeakerID is the highest valid speaker_id.
const MaxSpeakerID = len(voiceNames) - 1

// Voices lists the speaker table in id order.
func Voices() []Voice {
	out := make([]Voice, len(voiceNames))
	for i, name := range voiceNames {
		out[i] = Voice{ID: i, Name: name}
	}

	return out
}

// VoiceNames returns the voice names in id order.
func VoiceNames() []string {
	return append([]string(nil), voiceNames[:]...)
}

// VoiceByID resolves a speaker id.
func VoiceByID(id int) (Voice, error) {
	if id < 0 || id > MaxSpeakerID {
		return Voice{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidSpeaker, id, MaxSpeakerID)
	}

	return Voice{ID: id, Name: voiceNames[id]}, nil
}

// VoiceStyles holds one style vector per voice name. A nil *VoiceStyles has
// no styles and every lookup misses.
type VoiceStyles struct {
	dim    int
	byName map[string][]float32
}

// LoadVoiceStyles reads style vectors from a safetensors file holding one
// tensor per voice name. Only the first row of each tensor is kept, so
// [D], [1, D] and Kokoro-style [N, 1, D] packs all load. Every voice must
// share the same width.
func LoadVoiceStyles(path string) (*VoiceStyles, error) {
	if path == "" {
		return nil, errors.New("voice styles path is required")
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("voice styles: %w", err)
	}

	store, err := safetensors.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("voice styles: %w", err)
	}
	defer store.Close()

	styles := &VoiceStyles{byName: make(map[string][]float32)}

	for _, name := range store.Names() {
		t, err := store.Tensor(name)
		if err != nil {
			return nil, fmt.Errorf("voice styles: %w", err)
		}

		if len(t.Shape) == 0 {
			return nil, fmt.Errorf("voice styles: tensor %q is a scalar", name)
		}

		dim := int(t.Shape[len(t.Shape)-1])
		if dim < 1 || len(t.Data) < dim {
			return nil, fmt.Errorf("voice styles: tensor %q with shape %v holds no style vector", name, t.Shape)
		}

		if styles.dim == 0 {
			styles.dim = dim
		} else if dim != styles.dim {
			return nil, fmt.Errorf("voice styles: tensor %q has width %d, others have %d", name, dim, styles.dim)
		}

		styles.byName[name] = append([]float32(nil), t.Data[:dim]...)
	}

	if len(styles.byName) == 0 {
		return nil, fmt.Errorf("voice styles: %s holds no tensors", path)
	}

	return styles, nil
}

// Style returns a copy of the style vector for a voice name.
func (s *VoiceStyles) Style(name string) ([]float32, bool) {
	if s == nil {
		return nil, false
	}

	v, ok := s.byName[name]
	if !ok {
		return nil, false
	}

	return append([]float32(nil), v...), true
}

func (s *VoiceStyles) Dim() int {
	if s == nil {
		return 0
	}

	return s.dim
}

func (s *VoiceStyles) Len() int {
	if s == nil {
		return 0
	}

	return len(s.byName)
}
