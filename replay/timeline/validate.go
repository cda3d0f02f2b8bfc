package timeline

import (
	"fmt"
	"math"

	"github.com/flashserve/RAGPulse/replay/trace"
)

// Validate checks that scaled is a complete, order-preserving schedule for
// entries: every entry appears once, dispatch times are finite, non-negative
// and non-decreasing, entries appear in (timestamp, slice position) order,
// and each session keeps its original relative order. Failures wrap
// ErrScheduleViolation.
func Validate(entries []trace.Entry, scaled []ScaledTimestamp) error {
	if len(scaled) != len(entries) {
		return fmt.Errorf("%w: %d dispatch times for %d entries", ErrScheduleViolation, len(scaled), len(entries))
	}
	seen := make([]bool, len(entries))
	lastInSession := make(map[string]int)

	for k, st := range scaled {
		if st.Index < 0 || st.Index >= len(entries) {
			return fmt.Errorf("%w: position %d references entry index %d out of range", ErrScheduleViolation, k, st.Index)
		}
		if seen[st.Index] {
			return fmt.Errorf("%w: entry index %d scheduled twice", ErrScheduleViolation, st.Index)
		}
		seen[st.Index] = true

		if math.IsNaN(st.Dispatch) || math.IsInf(st.Dispatch, 0) || st.Dispatch < 0 {
			return fmt.Errorf("%w: entry %d has dispatch time %v", ErrScheduleViolation, st.EntryID, st.Dispatch)
		}
		if k > 0 {
			prev := scaled[k-1]
			if st.Dispatch < prev.Dispatch {
				return fmt.Errorf("%w: dispatch time decreases at position %d (%v < %v)",
					ErrScheduleViolation, k, st.Dispatch, prev.Dispatch)
			}
			if before(entries, st.Index, prev.Index) {
				return fmt.Errorf("%w: entry %d (t=%v) scheduled after entry %d (t=%v)",
					ErrScheduleViolation, entries[prev.Index].ID, entries[prev.Index].Timestamp,
					entries[st.Index].ID, entries[st.Index].Timestamp)
			}
		}

		sess := entries[st.Index].SessionID
		if sess == "" {
			continue
		}
		if last, ok := lastInSession[sess]; ok && before(entries, st.Index, last) {
			return fmt.Errorf("%w: session %q reordered: entry %d scheduled after entry %d",
				ErrScheduleViolation, sess, entries[last].ID, entries[st.Index].ID)
		}
		lastInSession[sess] = st.Index
	}
	return nil
}

// before reports whether entry a precedes entry b in original order.
func before(entries []trace.Entry, a, b int) bool {
	ta, tb := entries[a].Timestamp, entries[b].Timestamp
	if ta != tb {
		return ta < tb
	}
	return a < b
}
