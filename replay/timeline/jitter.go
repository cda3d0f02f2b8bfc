package timeline

import (
	"math/rand"
	"sort"
)

// applyJitter perturbs every dispatch time but the first by up to ±maxJitter,
// re-sorts each block of window consecutive values and then carries a running
// maximum across block seams. Values are reassigned in sequence order, so no
// entry (and hence no session) changes its place in the schedule. The first
// dispatch stays anchored at its origin offset.
func applyJitter(dispatch []float64, maxJitter float64, window int, rng *rand.Rand) {
	for i := 1; i < len(dispatch); i++ {
		v := dispatch[i] + (2*rng.Float64()-1)*maxJitter
		if v < dispatch[0] {
			v = dispatch[0]
		}
		dispatch[i] = v
	}
	for start := 0; start < len(dispatch); start += window {
		end := start + window
		if end > len(dispatch) {
			end = len(dispatch)
		}
		sort.Float64s(dispatch[start:end])
	}
	for i := 1; i < len(dispatch); i++ {
		if dispatch[i] < dispatch[i-1] {
			dispatch[i] = dispatch[i-1]
		}
	}
}
