package replay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instruments are the live prometheus metrics a Replayer updates.
type Instruments struct {
	Dispatched    prometheus.Counter
	Completed     prometheus.Counter
	Errors        *prometheus.CounterVec
	InFlight      prometheus.Gauge
	TTFT          prometheus.Histogram
	TPOT          prometheus.Histogram
	AdmissionWait prometheus.Histogram
	OutputTokens  prometheus.Counter
}

// NewInstruments registers the replay metrics with reg.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	f := promauto.With(reg)
	return &Instruments{
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "ragpulse_requests_dispatched_total",
			Help: "Requests handed to a worker at their scheduled time",
		}),
		Completed: f.NewCounter(prometheus.CounterOpts{
			Name: "ragpulse_requests_completed_total",
			Help: "Requests whose stream finished without error",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ragpulse_request_errors_total",
			Help: "Requests that ended without completion, by error kind",
		}, []string{"kind"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ragpulse_requests_in_flight",
			Help: "Requests currently admitted and talking to the backend",
		}),
		TTFT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragpulse_ttft_seconds",
			Help:    "Time from send to first token",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		TPOT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragpulse_tpot_seconds",
			Help:    "Mean inter-token time after the first token",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		}),
		AdmissionWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ragpulse_admission_wait_seconds",
			Help:    "Time a due request waited for a concurrency slot",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		OutputTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "ragpulse_output_tokens_total",
			Help: "Output tokens received from completed requests",
		}),
	}
}

func (in *Instruments) observe(rec *TimingRecord) {
	if in == nil {
		return
	}
	if rec.Error != ErrorNone {
		in.Errors.WithLabelValues(string(rec.Error)).Inc()
		return
	}
	in.Completed.Inc()
	in.OutputTokens.Add(float64(rec.OutputTokens()))
	if v, ok := rec.TTFT(); ok {
		in.TTFT.Observe(v)
	}
	if v, ok := rec.TPOT(); ok {
		in.TPOT.Observe(v)
	}
}
