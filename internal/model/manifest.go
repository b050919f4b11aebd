package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/example/voicegen/internal/native"
)

// ManifestName is the lock file written next to a generated bundle.
const ManifestName = "manifest.lock.json"

// Manifest pins the files of a generated model bundle by checksum.
type Manifest struct {
	Kind  string      `json:"kind"`
	Seed  uint64      `json:"seed"`
	Dims  native.Dims `json:"dims"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// ErrChecksumMismatch is returned by VerifyChecksums when a file changed
// since the manifest was written.
var ErrChecksumMismatch = errors.New("checksum mismatch")

func ReadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	return m, nil
}

func writeManifest(path string, m Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func describeFile(dir, name string) (ModelFile, error) {
	path := filepath.Join(dir, name)

	info, err := os.Stat(path)
	if err != nil {
		return ModelFile{}, err
	}

	sum, err := fileSHA256(path)
	if err != nil {
		return ModelFile{}, err
	}

	return ModelFile{Filename: name, Size: info.Size(), SHA256: sum}, nil
}

// VerifyChecksums re-hashes every file listed in dir's manifest and prints
// one line per file to stdout.
func VerifyChecksums(dir string, stdout io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}

	m, err := ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range m.Files {
		actual, err := fileSHA256(filepath.Join(dir, f.Filename))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", f.Filename, err))
		case actual != f.SHA256:
			errs = append(errs, fmt.Errorf("%s: %w (want %s, got %s)", f.Filename, ErrChecksumMismatch, f.SHA256, actual))
		default:
			fmt.Fprintf(stdout, "verified %s (sha256=%s)\n", f.Filename, actual)
		}
	}

	return errors.Join(errs...)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read file for checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
