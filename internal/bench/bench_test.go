package bench_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/voicegen/internal/bench"
	"github.com/example/voicegen/internal/tts"
)

type fakeSynth struct {
	calls   int
	failAt  int
	samples int
	reqs    []tts.Request
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.Request) (*tts.Artifact, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errors.New("boom")
	}

	return &tts.Artifact{
		ID:         uuid.New(),
		Path:       "",
		SampleRate: 24000,
		NumSamples: f.samples,
	}, nil
}

func TestStats_MinMaxMean(t *testing.T) {
	runs := []bench.RunResult{
		{Duration: 100 * time.Millisecond, RTF: 0.1},
		{Duration: 200 * time.Millisecond, RTF: 0.2},
		{Duration: 300 * time.Millisecond, RTF: 0.3},
	}
	s := bench.ComputeStats(runs)

	assert.Equal(t, 100*time.Millisecond, s.Min)
	assert.Equal(t, 300*time.Millisecond, s.Max)
	assert.Equal(t, 200*time.Millisecond, s.Mean)
	assert.InDelta(t, 0.2, s.MeanRTF, 1e-9)
}

func TestStats_Empty(t *testing.T) {
	assert.Equal(t, bench.Stats{}, bench.ComputeStats(nil))
}

func TestRTF_Calculation(t *testing.T) {
	assert.InDelta(t, 0.5, bench.CalcRTF(500*time.Millisecond, time.Second), 1e-9)
	assert.Zero(t, bench.CalcRTF(time.Second, 0))
}

func TestCheckRTFThreshold(t *testing.T) {
	require.NoError(t, bench.CheckRTFThreshold(5, 0))
	require.NoError(t, bench.CheckRTFThreshold(0.5, 1))

	err := bench.CheckRTFThreshold(1.5, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestRun(t *testing.T) {
	synth := &fakeSynth{samples: 24000}
	req := tts.Request{Text: "Hello world", SpeakerID: 2}

	runs, err := bench.Run(context.Background(), synth, bench.Options{Request: req, Runs: 3})
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.True(t, runs[0].Cold)
	assert.False(t, runs[1].Cold)
	for i, r := range runs {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, time.Second, r.AudioDuration)
		assert.NotEmpty(t, r.RequestID)
	}
	assert.Len(t, synth.reqs, 3)
	assert.Equal(t, req, synth.reqs[2])
}

func TestRun_RejectsZeroRuns(t *testing.T) {
	_, err := bench.Run(context.Background(), &fakeSynth{}, bench.Options{Runs: 0})
	require.Error(t, err)
}

func TestRun_StopsAtFirstError(t *testing.T) {
	synth := &fakeSynth{samples: 10, failAt: 2}

	runs, err := bench.Run(context.Background(), synth, bench.Options{Runs: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 2")
	assert.Len(t, runs, 1)
	assert.Equal(t, 2, synth.calls)
}

func TestFormatTable(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 120 * time.Millisecond, AudioDuration: time.Second, RTF: 0.12},
		{Index: 1, Duration: 80 * time.Millisecond, AudioDuration: time.Second, RTF: 0.08},
	}

	var buf bytes.Buffer
	bench.FormatTable(runs, bench.ComputeStats(runs), &buf)
	out := buf.String()

	assert.Contains(t, out, "RTF")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "(mean)")
	// header, rule, two rows, rule, min/mean/max
	assert.Equal(t, 1+1+2+1+3, strings.Count(out, "\n"))
}

func TestFormatJSON(t *testing.T) {
	runs := []bench.RunResult{
		{Index: 0, Cold: true, Duration: 100 * time.Millisecond, AudioDuration: time.Second, RTF: 0.1, RequestID: "abc"},
	}

	var buf bytes.Buffer
	require.NoError(t, bench.FormatJSON(runs, bench.ComputeStats(runs), &buf))

	var got struct {
		Runs []struct {
			Cold       bool    `json:"cold"`
			RequestID  string  `json:"request_id"`
			DurationMS float64 `json:"duration_ms"`
			AudioMS    float64 `json:"audio_ms"`
		} `json:"runs"`
		Stats struct {
			MeanRTF float64 `json:"mean_rtf"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Runs, 1)
	assert.True(t, got.Runs[0].Cold)
	assert.Equal(t, "abc", got.Runs[0].RequestID)
	assert.InDelta(t, 100, got.Runs[0].DurationMS, 1e-6)
	assert.InDelta(t, 1000, got.Runs[0].AudioMS, 1e-6)
	assert.InDelta(t, 0.1, got.Stats.MeanRTF, 1e-9)
}
