package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/flashserve/RAGPulse/replay"
	"github.com/flashserve/RAGPulse/replay/backend"
	"github.com/flashserve/RAGPulse/replay/metrics"
	"github.com/flashserve/RAGPulse/replay/payload"
	"github.com/flashserve/RAGPulse/replay/store"
	"github.com/flashserve/RAGPulse/replay/timeline"
	"github.com/flashserve/RAGPulse/replay/trace"
)

// replayResult is what a finished run produced.
type replayResult struct {
	RunID       string
	Report      metrics.Report
	Records     []replay.TimingRecord
	MetricsPath string
	RecordsPath string
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runReplay loads the trace, builds the schedule and payloads, replays them
// against the configured backend and writes the report. Per-request failures
// only show up in the report; load errors and schedule violations abort the
// run before anything is dispatched.
func runReplay(ctx context.Context, cfg *Config, w io.Writer) (*replayResult, error) {
	startedAt := time.Now()
	runID := uuid.NewString()

	entries, err := trace.LoadTrace(filepath.Join(cfg.Trace.Dir, cfg.Trace.File), trace.LoadOptions{
		Limit:          cfg.Trace.Limit,
		ValidateSchema: cfg.Trace.ValidateSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("loading trace: %w", err)
	}
	chunks, err := trace.LoadChunkStore(cfg.Trace.Dir, trace.DefaultChunkFiles)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	logrus.Infof("Loaded %d trace entries and %d chunks from %s", len(entries), chunks.Len(), cfg.Trace.Dir)

	rng := replay.NewPartitionedRNG(replay.RunKey(cfg.Replay.Seed))

	scaled, err := timeline.Transform(entries, cfg.timelineParams(rng.ForSubsystem(replay.SubsystemTimeline)))
	if err != nil {
		if errors.Is(err, timeline.ErrScheduleViolation) {
			logrus.Errorf("Refusing to dispatch: %v", err)
		}
		return nil, fmt.Errorf("transforming timeline: %w", err)
	}
	if n := len(scaled); n > 0 {
		logrus.Infof("Timeline %s: %d requests over %.2fs (original span %.2fs)",
			cfg.Timeline.Mode, n, scaled[n-1].Dispatch, scaled[n-1].Original-scaled[0].Original)
	}

	builder, err := payload.NewBuilder(payload.Mode(cfg.Payload.Mode), cfg.Payload.Tolerance)
	if err != nil {
		return nil, err
	}
	jobs := replay.BuildJobs(entries, scaled, builder, chunks)

	b, err := backend.New(cfg.backendConfig(), rng.ForSubsystem(replay.SubsystemBackend))
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	inst := replay.NewInstruments(reg)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Warnf("Metrics endpoint stopped: %v", err)
			}
		}()
		defer srv.Close()
		logrus.Infof("Serving prometheus metrics on %s/metrics", cfg.Metrics.Addr)
	}

	r := replay.NewReplayer(b, replay.Options{
		Concurrency: cfg.Replay.Concurrency,
		Params:      cfg.backendParams(),
		Instruments: inst,
		OnRecord:    replay.LogRecord,
	})
	logrus.Infof("Replaying %d requests against %s backend (concurrency %d)", len(jobs), cfg.Backend.Kind, cfg.Replay.Concurrency)

	records := make([]replay.TimingRecord, 0, len(jobs))
	for rec := range r.Run(ctx, jobs) {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Scheduled < records[j].Scheduled })
	if ctx.Err() != nil {
		logrus.Warn("Replay cancelled; reporting on the requests that ran")
	}
	logrus.Debugf("Peak admitted requests: %d", r.PeakAdmitted())

	report := metrics.Aggregate(records, cfg.SLO)
	report.Print(w)

	res := &replayResult{RunID: runID, Report: report, Records: records}
	ttfts, tpots := metrics.Samples(records)
	file := &metrics.File{
		Run:    metrics.RunInfo{RunID: runID, StartedAt: startedAt, Args: cfg.args()},
		Report: report,
		TTFTs:  ttfts,
		TPOTs:  tpots,
	}
	if cfg.Output.Dir != "" {
		res.MetricsPath = filepath.Join(cfg.Output.Dir, metrics.MetricsFileName(startedAt, cfg.Output.Format))
		if err := metrics.WriteReport(res.MetricsPath, file); err != nil {
			return res, err
		}
		logrus.Infof("Metrics written to %s", res.MetricsPath)
		if cfg.Output.Records {
			res.RecordsPath = filepath.Join(cfg.Output.Dir, fmt.Sprintf("rag_pulse_records_%s.csv", startedAt.Format("20060102_150405")))
			if err := metrics.WriteRecordsCSV(res.RecordsPath, records); err != nil {
				return res, err
			}
		}
	}

	if cfg.Output.SQLite != "" {
		if err := saveRun(cfg.Output.SQLite, &store.Run{
			ID:        runID,
			StartedAt: startedAt,
			Args:      file.Run.Args,
			Report:    report,
			Records:   records,
		}); err != nil {
			return res, err
		}
		logrus.Infof("Run %s stored in %s", runID, cfg.Output.SQLite)
	}
	return res, nil
}

func saveRun(path string, run *store.Run) error {
	s, err := store.Open(path)
	if err != nil {
		return err
	}
	defer s.Close()
	// The run context may already be cancelled; the results still get saved.
	return s.SaveRun(context.Background(), run)
}
