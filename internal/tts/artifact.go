package tts

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Artifact describes the WAV file written for one successful request.
type Artifact struct {
	ID         uuid.UUID `json:"request_id"`
	Path       string    `json:"path"`
	SampleRate int       `json:"sample_rate"`
	NumSamples int       `json:"num_samples"`
	Voice      string    `json:"voice"`
}

// FileName is the artifact's base name, "<uuid>.wav".
func (a *Artifact) FileName() string {
	return ArtifactName(a.ID)
}

func (a *Artifact) Duration() time.Duration {
	if a.SampleRate < 1 {
		return 0
	}

	return time.Duration(a.NumSamples) * time.Second / time.Duration(a.SampleRate)
}

func ArtifactName(id uuid.UUID) string {
	return id.String() + ".wav"
}

// ArtifactPath keys an artifact by its request id inside dir.
func ArtifactPath(dir string, id uuid.UUID) string {
	return filepath.Join(dir, ArtifactName(id))
}
