// Package timeline maps recorded arrival timestamps onto a compressed or
// stretched dispatch schedule without reordering requests.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/flashserve/RAGPulse/replay/trace"
)

var (
	// ErrScheduleViolation means a transform produced a non-monotonic or
	// session-reordering schedule. It indicates a bug, not a runtime condition.
	ErrScheduleViolation = errors.New("schedule violation")
	// ErrInvalidParams is returned for unusable transform parameters.
	ErrInvalidParams = errors.New("invalid timeline parameters")
)

// Mode selects the base transform.
type Mode string

const (
	ModeUniform  Mode = "uniform"
	ModeSegment  Mode = "segment"
	ModeResample Mode = "resample"
)

// DefaultJitterWindow is the number of consecutive entries re-sorted after jitter.
const DefaultJitterWindow = 8

// ScaledTimestamp is the dispatch time assigned to one entry.
type ScaledTimestamp struct {
	Index     int     `json:"index"` // position in the transformed entries slice
	EntryID   int     `json:"entry_id"`
	SessionID string  `json:"session_id,omitempty"`
	Original  float64 `json:"original"`
	Dispatch  float64 `json:"dispatch"` // seconds after the first dispatch
}

// Params configures Transform.
type Params struct {
	Mode Mode

	// Uniform: dispatch = origin offset / Scale.
	Scale float64

	// Segment: original time is cut into Window-second windows; window k is
	// scaled by Factors[k], or by TargetRates[k] / observed rate when
	// TargetRates is set. Lists shorter than the window count repeat their
	// last element.
	Window      float64
	Factors     []float64
	TargetRates []float64

	// Resample: arrivals are redrawn against Curve. A nil Curve is the identity.
	Curve *RateCurve
	Gaps  GapSpec

	// Jitter: each dispatch time except the first moves by up to ±JitterMax
	// seconds, then JitterWindow-sized blocks are re-sorted.
	JitterMax    float64
	JitterWindow int

	// Rand drives jitter and stochastic gaps. Required only when those are used.
	Rand *rand.Rand
}

// Transform returns one ScaledTimestamp per entry, ordered by dispatch time.
// Entries are ordered stably by timestamp first, so ties keep slice order.
func Transform(entries []trace.Entry, p Params) ([]ScaledTimestamp, error) {
	if len(entries) == 0 {
		return []ScaledTimestamp{}, nil
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return entries[order[a]].Timestamp < entries[order[b]].Timestamp
	})

	origin := entries[order[0]].Timestamp
	offsets := make([]float64, len(order))
	for k, idx := range order {
		offsets[k] = entries[idx].Timestamp - origin
	}

	var (
		dispatch []float64
		err      error
	)
	switch p.Mode {
	case ModeUniform, "":
		dispatch, err = uniform(offsets, p.Scale)
	case ModeSegment:
		dispatch, err = segment(offsets, p)
	case ModeResample:
		dispatch, err = resample(offsets, p)
	default:
		err = fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, p.Mode)
	}
	if err != nil {
		return nil, err
	}

	if p.JitterMax > 0 {
		if p.Rand == nil {
			return nil, fmt.Errorf("%w: jitter requires a random source", ErrInvalidParams)
		}
		window := p.JitterWindow
		if window <= 0 {
			window = DefaultJitterWindow
		}
		applyJitter(dispatch, p.JitterMax, window, p.Rand)
	}

	out := make([]ScaledTimestamp, len(order))
	for k, idx := range order {
		out[k] = ScaledTimestamp{
			Index:     idx,
			EntryID:   entries[idx].ID,
			SessionID: entries[idx].SessionID,
			Original:  entries[idx].Timestamp,
			Dispatch:  dispatch[k],
		}
	}
	if err := Validate(entries, out); err != nil {
		return nil, err
	}
	return out, nil
}

func uniform(offsets []float64, scale float64) ([]float64, error) {
	if scale <= 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return nil, fmt.Errorf("%w: scale factor must be positive, got %v", ErrInvalidParams, scale)
	}
	out := make([]float64, len(offsets))
	for i, off := range offsets {
		out[i] = off / scale
	}
	return out, nil
}

func segment(offsets []float64, p Params) ([]float64, error) {
	if p.Window <= 0 {
		return nil, fmt.Errorf("%w: segment window must be positive", ErrInvalidParams)
	}
	factors, err := segmentFactors(offsets, p)
	if err != nil {
		return nil, err
	}

	// starts[k] is the dispatch time at which window k begins; consecutive
	// windows meet exactly so the seam adds no gap or overlap.
	starts := make([]float64, len(factors)+1)
	for k, f := range factors {
		starts[k+1] = starts[k] + p.Window/f
	}

	out := make([]float64, len(offsets))
	for i, off := range offsets {
		k := windowIndex(off, p.Window, len(factors))
		out[i] = starts[k] + (off-float64(k)*p.Window)/factors[k]
	}
	return out, nil
}

func windowIndex(off, width float64, n int) int {
	k := int(math.Floor(off / width))
	if k >= n {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}
	return k
}

func segmentFactors(offsets []float64, p Params) ([]float64, error) {
	n := int(math.Floor(offsets[len(offsets)-1]/p.Window)) + 1
	factors := make([]float64, n)

	var counts []int
	if len(p.TargetRates) > 0 {
		counts = make([]int, n)
		for _, off := range offsets {
			counts[windowIndex(off, p.Window, n)]++
		}
	}

	for k := range factors {
		f := 1.0
		switch {
		case len(p.TargetRates) > 0:
			target := at(p.TargetRates, k)
			if target <= 0 {
				return nil, fmt.Errorf("%w: target rate for window %d must be positive", ErrInvalidParams, k)
			}
			if observed := float64(counts[k]) / p.Window; observed > 0 {
				f = target / observed
			}
		case len(p.Factors) > 0:
			f = at(p.Factors, k)
		}
		if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: window %d scale factor must be positive, got %v", ErrInvalidParams, k, f)
		}
		factors[k] = f
	}
	return factors, nil
}

// at returns vals[k], repeating the last element past the end.
func at(vals []float64, k int) float64 {
	if k >= len(vals) {
		return vals[len(vals)-1]
	}
	return vals[k]
}
