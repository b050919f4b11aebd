package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/example/voicegen/internal/bench"
	"github.com/example/voicegen/internal/tts"
)

func newBenchCmd() *cobra.Command {
	var text string
	var speaker int
	var voice string
	var runs int
	var format string
	var rtfThreshold float64
	var cpuProfile string
	var keep bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure synthesis latency and realtime factor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("unsupported format %q (expected table|json)", format)
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

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return fmt.Errorf("create cpu profile: %w", err)
				}
				defer f.Close()
				if err := pprof.StartCPUProfile(f); err != nil {
					return fmt.Errorf("start cpu profile: %w", err)
				}
				defer pprof.StopCPUProfile()
			}

			results, err := bench.Run(cmd.Context(), svc, bench.Options{
				Request:       tts.Request{Text: text, SpeakerID: speakerID},
				Runs:          runs,
				KeepArtifacts: keep,
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(results)
			if format == "json" {
				if err := bench.FormatJSON(results, stats, cmd.OutOrStdout()); err != nil {
					return err
				}
			} else {
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckRTFThreshold(stats.MeanRTF, rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&text, "text", "Hello from voicegen.", "Text to synthesize on every run")
	cmd.Flags().IntVar(&speaker, "speaker", 0, "Speaker id")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice name, overrides --speaker")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of synthesis runs")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Fail when mean RTF exceeds this value (0 = off)")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the runs to this file")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep each run's WAV in the output directory")

	return cmd
}
