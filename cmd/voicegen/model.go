package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/voicegen/internal/config"
	"github.com/example/voicegen/internal/model"
	"github.com/example/voicegen/internal/native"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model generation and verification commands",
	}

	cmd.AddCommand(newModelInitCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}

func newModelInitCmd() *cobra.Command {
	var dir string
	var seed uint64
	var force bool
	var fineDim int
	var styleDim int
	var writeConfig string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a deterministic reference model for the safetensors backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dims := native.Dims{
				Vocab:       len([]rune(model.DefaultSymbols)),
				EmbedDim:    cfg.Synthesis.EmbedDim,
				SemanticDim: cfg.Synthesis.SemanticDim,
				CoarseVocab: cfg.Synthesis.CoarseVocab,
				FineVocab:   cfg.Synthesis.FineVocab,
				FineDim:     fineDim,
				StyleDim:    styleDim,
			}

			b, err := model.InitReference(model.InitOptions{
				Dir:    dir,
				Dims:   dims,
				Seed:   seed,
				Force:  force,
				Stdout: cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}

			cfg.Synthesis.Backend = config.BackendNativeSafetensors
			cfg.Paths.ModelPath = b.ModelPath
			cfg.Paths.TokensPath = b.TokensPath
			cfg.Paths.VoicesPath = b.VoicesPath
			cfg.Paths.DataDir = b.Dir

			if writeConfig == "" {
				fmt.Fprintf(cmd.OutOrStdout(),
					"run with: --synthesis-backend %s --paths-model-path %s --paths-tokens-path %s --paths-voices-path %q\n",
					cfg.Synthesis.Backend, b.ModelPath, b.TokensPath, b.VoicesPath)
				return nil
			}

			return writeConfigFile(writeConfig, cfg, force)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", filepath.Join("models", "reference"), "Output directory for the reference bundle")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Seed for the generated weights")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	cmd.Flags().IntVar(&fineDim, "fine-dim", native.DefaultFineDim, "Hidden width of the fine stage")
	cmd.Flags().IntVar(&styleDim, "style-dim", 128, "Voice style width (0 disables styles)")
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "Also write a voicegen.yaml pointing at the bundle")

	return cmd
}

func writeConfigFile(path string, cfg config.Config, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func newModelVerifyCmd() *cobra.Command {
	var backend string
	var checksums bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run smoke inference for the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			be := backend
			if be == "" {
				be = cfg.Synthesis.Backend
			}

			be, err = config.NormalizeBackend(be)
			if err != nil {
				return err
			}

			opts := model.VerifyOptions{
				ModelPath: cfg.Paths.ModelPath,
				Runtime:   cfg.Runtime,
				Stdout:    cmd.OutOrStdout(),
				Stderr:    cmd.ErrOrStderr(),
			}

			if checksums {
				if err := model.VerifyChecksums(filepath.Dir(cfg.Paths.ModelPath), cmd.OutOrStdout()); err != nil {
					return err
				}
			}

			switch be {
			case config.BackendNativeSafetensors:
				return model.VerifyReference(cmd.Context(), opts)
			default:
				return model.VerifyONNX(cmd.Context(), opts)
			}
		},
	}

	cmd.Flags().StringVar(&backend, "backend", "", "Backend to verify (default: configured backend)")
	cmd.Flags().BoolVar(&checksums, "checksums", false, "Also check the bundle manifest checksums")

	return cmd
}
