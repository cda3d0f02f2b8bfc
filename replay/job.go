package replay

import (
	"github.com/sirupsen/logrus"

	"github.com/flashserve/RAGPulse/replay/payload"
	"github.com/flashserve/RAGPulse/replay/timeline"
	"github.com/flashserve/RAGPulse/replay/trace"
)

// Job pairs a payload with its dispatch time.
type Job struct {
	Entry    trace.Entry
	Dispatch float64 // seconds, non-decreasing across a job list
	Payload  payload.Payload
	Status   payload.Status
	Err      error // build failure; the job is reported at its due time but never sent

	builder *payload.Builder
	store   trace.Resolver
}

// Prompt returns the request text. Jobs from BuildJobs assemble it on
// demand; otherwise Payload.Prompt is used as is.
func (j *Job) Prompt() (string, error) {
	if j.builder == nil {
		return j.Payload.Prompt, nil
	}
	p, _, err := j.builder.Build(j.Entry, j.store)
	if err != nil {
		return "", err
	}
	return p.Prompt, nil
}

// BuildJobs prepares one job per scheduled entry, in schedule order. Every
// reference is resolved and measured up front but prompt text is only
// assembled when the job is sent. Entries with unresolvable references keep
// their slot with Err set so the failure is accounted for in the run's
// results.
func BuildJobs(entries []trace.Entry, scaled []timeline.ScaledTimestamp, b *payload.Builder, store trace.Resolver) []Job {
	jobs := make([]Job, len(scaled))
	mismatches := 0
	for k, st := range scaled {
		e := entries[st.Index]
		n, status, err := b.Measure(e, store)
		jobs[k] = Job{
			Entry:    e,
			Dispatch: st.Dispatch,
			Payload:  payload.Payload{EntryID: e.ID, Length: n},
			Status:   status,
			Err:      err,
			builder:  b,
			store:    store,
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{"entry": e.ID, "session": e.SessionID}).
				Warnf("Skipping entry: %v", err)
			continue
		}
		if status.Mismatch {
			mismatches++
			logrus.WithFields(logrus.Fields{
				"entry":    e.ID,
				"computed": status.Computed,
				"declared": status.Declared,
			}).Debugf("Input length differs by %.1f%%", status.RelativeDiff*100)
		}
	}
	if mismatches > 0 {
		logrus.Infof("%d of %d entries differ from their declared input length beyond tolerance", mismatches, len(jobs))
	}
	return jobs
}

func newRecord(j *Job) TimingRecord {
	rec := TimingRecord{
		EntryID:              j.Entry.ID,
		SessionID:            j.Entry.SessionID,
		Scheduled:            j.Dispatch,
		InputTokens:          j.Payload.Length,
		DeclaredInputTokens:  j.Entry.InputLength,
		DeclaredOutputTokens: j.Entry.OutputLength,
		LengthMismatch:       j.Status.Mismatch,
	}
	return rec
}
