// Package metrics turns per-request timing records into TTFT, TPOT,
// throughput and goodput statistics and writes them out.
package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/flashserve/RAGPulse/replay"
)

// SLO holds per-request latency targets in seconds.
type SLO struct {
	TTFTMax float64 `json:"ttft_max" yaml:"ttft_max" mapstructure:"ttft_max"`
	TPOTMax float64 `json:"tpot_max" yaml:"tpot_max" mapstructure:"tpot_max"`
}

// Distribution captures the statistical summary of a metric.
type Distribution struct {
	Mean  float64 `json:"mean" yaml:"mean"`
	P50   float64 `json:"p50" yaml:"p50"`
	P90   float64 `json:"p90" yaml:"p90"`
	P95   float64 `json:"p95" yaml:"p95"`
	P99   float64 `json:"p99" yaml:"p99"`
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
	Count int     `json:"count" yaml:"count"`
}

// NewDistribution computes a Distribution from raw values.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return Distribution{
		Mean:  sum / float64(len(sorted)),
		P50:   percentile(sorted, 50),
		P90:   percentile(sorted, 90),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Count: len(sorted),
	}
}

// percentile computes the p-th percentile using linear interpolation.
// Input must be sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Report is the aggregate over all records of one run.
type Report struct {
	Scheduled        int            `json:"scheduled" yaml:"scheduled"`
	Completed        int            `json:"completed" yaml:"completed"`
	Errors           map[string]int `json:"errors,omitempty" yaml:"errors,omitempty"`
	LengthMismatches int            `json:"length_mismatches" yaml:"length_mismatches"`

	TTFT          Distribution `json:"ttft" yaml:"ttft"`
	TPOT          Distribution `json:"tpot" yaml:"tpot"`
	AdmissionWait Distribution `json:"admission_wait" yaml:"admission_wait"`

	OutputTokens      int     `json:"output_tokens" yaml:"output_tokens"`
	Duration          float64 `json:"duration" yaml:"duration"`                     // last completion minus first send
	Throughput        float64 `json:"throughput" yaml:"throughput"`                 // output tokens per second
	RequestThroughput float64 `json:"request_throughput" yaml:"request_throughput"` // completed requests per second

	SLO       SLO     `json:"slo" yaml:"slo"`
	GoodCount int     `json:"good_count" yaml:"good_count"`
	Goodput   float64 `json:"goodput" yaml:"goodput"` // fraction of scheduled requests meeting the SLO
}

// MeetsSLO reports whether rec has both TTFT and TPOT defined and within
// slo. Equality counts as meeting the target.
func MeetsSLO(rec *replay.TimingRecord, slo SLO) bool {
	if !rec.Completed() {
		return false
	}
	ttft, ok := rec.TTFT()
	if !ok || ttft > slo.TTFTMax {
		return false
	}
	tpot, ok := rec.TPOT()
	return ok && tpot <= slo.TPOTMax
}

// Aggregate computes the run report. Every record counts toward the goodput
// denominator; failed records and those with undefined TTFT or TPOT count as
// missing the SLO.
func Aggregate(records []replay.TimingRecord, slo SLO) Report {
	rep := Report{Scheduled: len(records), SLO: slo}
	var ttfts, tpots, waits []float64
	minSend, maxDone := math.Inf(1), math.Inf(-1)

	for i := range records {
		rec := &records[i]
		if rec.LengthMismatch {
			rep.LengthMismatches++
		}
		if rec.Error != replay.ErrorNone {
			if rep.Errors == nil {
				rep.Errors = make(map[string]int)
			}
			rep.Errors[string(rec.Error)]++
		}
		if rec.SendTime != nil {
			minSend = math.Min(minSend, *rec.SendTime)
			waits = append(waits, rec.AdmissionWait)
		}
		if v, ok := rec.TTFT(); ok {
			ttfts = append(ttfts, v)
		}
		if !rec.Completed() {
			continue
		}
		rep.Completed++
		rep.OutputTokens += rec.OutputTokens()
		maxDone = math.Max(maxDone, *rec.CompletionTime)
		if v, ok := rec.TPOT(); ok {
			tpots = append(tpots, v)
		}
		if MeetsSLO(rec, slo) {
			rep.GoodCount++
		}
	}

	rep.TTFT = NewDistribution(ttfts)
	rep.TPOT = NewDistribution(tpots)
	rep.AdmissionWait = NewDistribution(waits)
	if rep.Completed > 0 && maxDone > minSend {
		rep.Duration = maxDone - minSend
		rep.Throughput = float64(rep.OutputTokens) / rep.Duration
		rep.RequestThroughput = float64(rep.Completed) / rep.Duration
	}
	if rep.Scheduled > 0 {
		rep.Goodput = float64(rep.GoodCount) / float64(rep.Scheduled)
	}
	return rep
}

// Samples returns the defined TTFT and TPOT values in record order.
func Samples(records []replay.TimingRecord) (ttfts, tpots []float64) {
	for i := range records {
		if v, ok := records[i].TTFT(); ok {
			ttfts = append(ttfts, v)
		}
		if records[i].Completed() {
			if v, ok := records[i].TPOT(); ok {
				tpots = append(tpots, v)
			}
		}
	}
	return ttfts, tpots
}

// Print writes a human-readable summary of the report.
func (r *Report) Print(w io.Writer) {
	_, _ = fmt.Fprintln(w, "=== Replay Metrics ===")
	_, _ = fmt.Fprintf(w, "Scheduled Requests   : %d\n", r.Scheduled)
	_, _ = fmt.Fprintf(w, "Completed Requests   : %d\n", r.Completed)
	kinds := make([]string, 0, len(r.Errors))
	for k := range r.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		_, _ = fmt.Fprintf(w, "Failed (%s) : %d\n", k, r.Errors[k])
	}
	if r.LengthMismatches > 0 {
		_, _ = fmt.Fprintf(w, "Length Mismatches    : %d\n", r.LengthMismatches)
	}
	printDist(w, "TTFT", r.TTFT)
	printDist(w, "TPOT", r.TPOT)
	if r.AdmissionWait.Max > 0 {
		printDist(w, "Admission Wait", r.AdmissionWait)
	}
	_, _ = fmt.Fprintf(w, "Throughput           : %.2f tokens/s (%.3f req/s over %.2fs)\n", r.Throughput, r.RequestThroughput, r.Duration)
	_, _ = fmt.Fprintf(w, "Goodput              : %.4f (%d/%d within TTFT<=%.3fs, TPOT<=%.4fs)\n",
		r.Goodput, r.GoodCount, r.Scheduled, r.SLO.TTFTMax, r.SLO.TPOTMax)
}

func printDist(w io.Writer, name string, d Distribution) {
	if d.Count == 0 {
		_, _ = fmt.Fprintf(w, "%-21s: n/a\n", name)
		return
	}
	_, _ = fmt.Fprintf(w, "%-21s: mean %.4fs  p50 %.4fs  p90 %.4fs  p99 %.4fs  (n=%d)\n",
		name, d.Mean, d.P50, d.P90, d.P99, d.Count)
}
