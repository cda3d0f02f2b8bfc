package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashserve/RAGPulse/replay"
	"github.com/flashserve/RAGPulse/replay/backend"
	"github.com/flashserve/RAGPulse/replay/metrics"
	"github.com/flashserve/RAGPulse/replay/store"
)

// writeTraceDir lays out a five-request trace whose fourth request
// references a chunk missing from every table.
func writeTraceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"0_trace.jsonl": strings.Join([]string{
			`{"timestamp": 0, "session_id": "a", "input_length": 30, "output_length": 4, "hash_ids": {"sys_prompt": [1], "user_input": [2]}}`,
			`{"timestamp": 1, "session_id": "a", "input_length": 80, "output_length": 4, "hash_ids": {"system_prompt": [1], "passages": [3], "user_input": [2]}}`,
			`{"timestamp": 2, "session_id": "b", "input_length": 30, "output_length": 4, "hash_ids": {"system_prompt": [1], "user_input": [2]}}`,
			`{"timestamp": 2, "session_id": "b", "input_length": 30, "output_length": 4, "hash_ids": {"system_prompt": [1], "user_input": [99]}}`,
			`{"timestamp": 3, "session_id": "c", "input_length": 10, "output_length": 4, "hash_ids": {"user_input": [2]}}`,
		}, "\n") + "\n",
		"1_sys_prompt.jsonl": `{"hash_id": 1, "token_length": 20}` + "\n",
		"2_passages.jsonl":   `{"hash_id": 3, "token_length": 50, "text": "retrieved passage"}` + "\n",
		"4_user_input.jsonl": `{"hash_id": 2, "token_length": 10}` + "\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func testReplayConfig(t *testing.T, traceDir string) *Config {
	t.Helper()
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	cfg.Trace.Dir = traceDir
	cfg.Timeline.Scale = 100
	cfg.Payload.Mode = "length"
	cfg.Backend.Proxy = backend.ProxyConfig{
		Delay: backend.DistSpec{Type: "constant", Params: map[string]float64{"value": 0.01}},
		Rate:  backend.DistSpec{Type: "constant", Params: map[string]float64{"value": 400}},
	}
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Output.SQLite = filepath.Join(t.TempDir(), "runs.db")
	return cfg
}

func TestRunReplay_EndToEnd(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))

	var out bytes.Buffer
	res, err := runReplay(context.Background(), cfg, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "=== Replay Metrics ===")
	require.Len(t, res.Records, 5)
	assert.Equal(t, 5, res.Report.Scheduled)
	assert.Equal(t, 4, res.Report.Completed)
	assert.Equal(t, 1, res.Report.Errors[string(replay.ErrorUnresolvedChunk)])
	assert.InDelta(t, 0.8, res.Report.Goodput, 1e-9, "unresolved request still counts in the denominator")
	assert.Equal(t, 16, res.Report.OutputTokens)

	// records come back in schedule order at the compressed times
	for i, want := range []float64{0, 0.01, 0.02, 0.02, 0.03} {
		assert.InDelta(t, want, res.Records[i].Scheduled, 1e-9)
	}
	for _, rec := range res.Records {
		if rec.Error == replay.ErrorNone {
			assert.Len(t, rec.TokenTimes, 4)
			assert.Equal(t, 4, rec.ReportedOutputTokens)
		}
	}

	// metrics file
	f, err := metrics.ReadReport(res.MetricsPath)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, f.Run.RunID)
	assert.Equal(t, "100", f.Run.Args["time_scale"])
	assert.Len(t, f.TTFTs, 4)
	assert.Equal(t, res.Report.Goodput, f.Report.Goodput)

	// records CSV
	records, err := metrics.LoadRecordsCSV(res.RecordsPath)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	// sqlite
	s, err := store.Open(cfg.Output.SQLite)
	require.NoError(t, err)
	defer s.Close()
	stored, err := s.Records(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestRunReplay_YAMLOutputWithoutRecords(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))
	cfg.Output.Format = "yaml"
	cfg.Output.Records = false
	cfg.Output.SQLite = ""

	res, err := runReplay(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, ".yaml", filepath.Ext(res.MetricsPath))
	assert.Empty(t, res.RecordsPath)

	f, err := metrics.ReadReport(res.MetricsPath)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Report.Scheduled)
}

func TestRunReplay_LimitKeepsEarliestEntries(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))
	cfg.Trace.Limit = 2
	cfg.Output.Dir = ""
	cfg.Output.SQLite = ""

	res, err := runReplay(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1.0, res.Report.Goodput)
	assert.Empty(t, res.MetricsPath)
}

func TestRunReplay_MissingTraceFails(t *testing.T) {
	cfg := testReplayConfig(t, t.TempDir())
	_, err := runReplay(context.Background(), cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRunReplay_InvalidTimelineFailsBeforeDispatch(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))
	cfg.Timeline.Mode = "segment"
	cfg.Timeline.Factors = []float64{-1}

	_, err := runReplay(context.Background(), cfg, &bytes.Buffer{})
	assert.Error(t, err)
	_, statErr := os.Stat(cfg.Output.Dir)
	assert.True(t, os.IsNotExist(statErr), "nothing is written when the schedule is rejected")
}

func TestRunReplay_CancelledRunStillReports(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))
	cfg.Output.SQLite = ""
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := runReplay(ctx, cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, 0.0, res.Report.Goodput)
	assert.Positive(t, res.Report.Errors[string(replay.ErrorCancelled)])
}

func TestReportCommands(t *testing.T) {
	cfg := testReplayConfig(t, writeTraceDir(t))
	res, err := runReplay(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printMetricsFile(&buf, res.MetricsPath))
	assert.Contains(t, buf.String(), res.RunID)
	assert.Contains(t, buf.String(), "Goodput")

	buf.Reset()
	require.NoError(t, printStoredRun(context.Background(), &buf, cfg.Output.SQLite, "", false))
	assert.Contains(t, buf.String(), "Run "+res.RunID)

	buf.Reset()
	require.NoError(t, printStoredRun(context.Background(), &buf, cfg.Output.SQLite, "", true))
	assert.Contains(t, buf.String(), res.RunID)

	err = printStoredRun(context.Background(), &buf, cfg.Output.SQLite, "no-such-run", false)
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	// an impossible SLO fails every request
	buf.Reset()
	require.NoError(t, reaggregate(&buf, res.RecordsPath, metrics.SLO{TTFTMax: 1e-9, TPOTMax: 1e-9}))
	assert.Contains(t, buf.String(), "0.0000 (0/5 within")
}
