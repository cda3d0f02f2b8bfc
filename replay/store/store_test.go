package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashserve/RAGPulse/replay"
	"github.com/flashserve/RAGPulse/replay/metrics"
)

func f(v float64) *float64 { return &v }

func sampleRun(id string, started time.Time) *Run {
	records := []replay.TimingRecord{
		{
			EntryID: 0, SessionID: "s", Scheduled: 0, Dispatched: 0.001,
			SendTime: f(0.001), FirstTokenTime: f(0.201), TokenTimes: []float64{0.201, 0.221, 0.241},
			CompletionTime: f(0.241), InputTokens: 100, DeclaredInputTokens: 104, DeclaredOutputTokens: 3,
			ReportedOutputTokens: 3,
		},
		{EntryID: 1, Scheduled: 2, Dispatched: 2, Error: replay.ErrorUnresolvedChunk, ErrorMessage: "hash_id 9", LengthMismatch: true},
	}
	return &Run{
		ID:        id,
		StartedAt: started,
		Args:      map[string]string{"scale": "10"},
		Report:    metrics.Aggregate(records, metrics.SLO{TTFTMax: 1, TPOTMax: 1}),
		Records:   records,
	}
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.FileExists(t, path)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/dev/null/results.db")
	assert.Error(t, err)
}

func TestSaveRun_RoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	run := sampleRun("run-a", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.Records(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, run.Records, got)

	rep, err := s.Report(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, run.Report.Scheduled, rep.Scheduled)
	assert.Equal(t, run.Report.Goodput, rep.Goodput)
	assert.Equal(t, run.Report.Errors, rep.Errors)
}

func TestSaveRun_DuplicateIDFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	run := sampleRun("dup", time.Now())
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Error(t, s.SaveRun(ctx, run))

	// the failed transaction left nothing behind
	got, err := s.Records(ctx, "dup")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRuns_NewestFirst(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRun(ctx, sampleRun("old", t0)))
	require.NoError(t, s.SaveRun(ctx, sampleRun("new", t0.Add(time.Hour))))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.True(t, runs[1].StartedAt.Equal(t0))
	assert.Equal(t, 2, runs[0].Scheduled)
	assert.InDelta(t, 0.5, runs[0].Goodput, 1e-12)
}

func TestRuns_OrdersWithinOneSecond(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRun(ctx, sampleRun("half", t0.Add(500*time.Millisecond))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("later", t0.Add(510*time.Millisecond))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("earlier", t0.Add(5*time.Millisecond))))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"later", "half", "earlier"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.True(t, runs[0].StartedAt.Equal(t0.Add(510*time.Millisecond)))
}

func TestUnknownRun(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Records(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.Report(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveRun_RequiresID(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.Error(t, s.SaveRun(context.Background(), &Run{}))
}
