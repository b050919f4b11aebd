package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/example/voicegen/internal/config"
)

// execute runs the root command with args and returns captured stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	origCfg, origLoaded, origFile := activeCfg, loaded, cfgFile
	t.Cleanup(func() { activeCfg, loaded, cfgFile = origCfg, origLoaded, origFile })

	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"synth", "serve", "health", "doctor", "voices", "config", "model", "bench"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentFlags(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"config", "paths-model-path", "synthesis-backend", "bus-url", "log-level"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected --%s persistent flag to be registered", name)
		}
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "not-a-level"} {
		setupLogger(level)
	}
}

func TestRequireConfig(t *testing.T) {
	origCfg, origLoaded := activeCfg, loaded
	t.Cleanup(func() { activeCfg, loaded = origCfg, origLoaded })

	loaded = false
	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}

	activeCfg = config.Config{Paths: config.PathsConfig{ModelPath: "/some/model/path"}}
	loaded = true

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}
	if got.Paths.ModelPath != "/some/model/path" {
		t.Errorf("unexpected ModelPath: %q", got.Paths.ModelPath)
	}
}
