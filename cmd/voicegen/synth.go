package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/voicegen/internal/tts"
)

func newSynthCmd() *cobra.Command {
	var text string
	var out string
	var speaker int
	var voice string
	var lengthScale float64

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to WAV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSynthText(text, cmd.InOrStdin())
			if err != nil {
				return err
			}

			speakerID, err := resolveSpeaker(speaker, voice)
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer svc.Close()

			art, err := svc.Synthesize(cmd.Context(), tts.Request{
				Text:        inputText,
				SpeakerID:   speakerID,
				LengthScale: lengthScale,
			})
			if err != nil {
				return err
			}

			slog.Info("synthesized",
				slog.String("request_id", art.ID.String()),
				slog.String("voice", art.Voice),
				slog.Int("num_samples", art.NumSamples),
				slog.Duration("duration", art.Duration()),
				slog.String("artifact", art.Path))

			return copyArtifact(art.Path, out, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "out.wav", "Output WAV path ('-' for stdout)")
	cmd.Flags().IntVar(&speaker, "speaker", 0, "Speaker id (see `voicegen voices`)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice name, overrides --speaker")
	cmd.Flags().Float64Var(&lengthScale, "length-scale", 0, "Speech length scale (0 = configured default)")

	return cmd
}

func readSynthText(flagText string, stdin io.Reader) (string, error) {
	if flagText != "" {
		return flagText, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}

	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", errors.New("no text provided: use --text or pipe text on stdin")
	}

	return text, nil
}

func resolveSpeaker(id int, name string) (int, error) {
	if name == "" {
		return id, nil
	}

	for _, v := range tts.Voices() {
		if strings.EqualFold(v.Name, name) {
			return v.ID, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown voice %q", tts.ErrInvalidSpeaker, name)
}

// copyArtifact copies the session artifact to out. "-" streams it to stdout.
func copyArtifact(src, out string, stdout io.Writer) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	if out == "-" {
		_, err := io.Copy(stdout, in)
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	if _, err := io.Copy(f, in); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output: %w", err)
	}

	return f.Close()
}
