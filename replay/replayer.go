// Package replay drives a scheduled workload against a generation backend
// in real time and records per-token timing for every request.
package replay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flashserve/RAGPulse/replay/backend"
)

// Options configures a Replayer.
type Options struct {
	// Concurrency bounds admitted requests; 0 means unbounded.
	Concurrency int
	// Params are passed to every backend call.
	Params backend.Params
	// Instruments, when set, receive live metrics.
	Instruments *Instruments
	// OnRecord, when set, is called once per terminal record before it is
	// emitted. Calls come from several goroutines at once.
	OnRecord func(TimingRecord)
}

// Replayer dispatches jobs at their scheduled times. A single scheduler
// goroutine owns the clock and a single admission goroutine admits
// dispatched jobs in order; workers only do backend I/O.
type Replayer struct {
	backend backend.Backend
	opts    Options
	gate    *semaphore.Weighted

	admitted atomic.Int64
	peak     atomic.Int64
}

// NewReplayer creates a Replayer for b.
func NewReplayer(b backend.Backend, opts Options) *Replayer {
	r := &Replayer{backend: b, opts: opts}
	if opts.Concurrency > 0 {
		r.gate = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return r
}

// PeakAdmitted is the largest number of simultaneously admitted requests
// observed so far.
func (r *Replayer) PeakAdmitted() int {
	return int(r.peak.Load())
}

// Run dispatches jobs in slice order at start + (Dispatch - jobs[0].Dispatch)
// and returns a channel carrying exactly one TimingRecord per job. The
// channel is closed once every record has been delivered. Cancelling ctx
// stops dispatch; requests already talking to the backend run to completion
// and everything else is recorded as cancelled.
func (r *Replayer) Run(ctx context.Context, jobs []Job) <-chan TimingRecord {
	out := make(chan TimingRecord, len(jobs))
	go r.schedule(ctx, jobs, out)
	return out
}

// dispatched is a job handed over by the scheduler and waiting for admission.
type dispatched struct {
	job *Job
	rec TimingRecord
	at  time.Time
}

func (r *Replayer) schedule(ctx context.Context, jobs []Job, out chan<- TimingRecord) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(out)
	}()
	if len(jobs) == 0 {
		return
	}

	start := time.Now()
	queue := make(chan dispatched, len(jobs))
	defer close(queue)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.admitInOrder(ctx, start, queue, out, &wg)
	}()

	base := jobs[0].Dispatch
	for i := range jobs {
		job := &jobs[i]
		due := start.Add(seconds(job.Dispatch - base))
		if err := waitUntil(ctx, due); err != nil {
			for k := i; k < len(jobs); k++ {
				rec := newRecord(&jobs[k])
				rec.fail(ErrorCancelled, err)
				r.emit(out, rec)
			}
			return
		}

		rec := newRecord(job)
		rec.Dispatched = since(start)
		if job.Err != nil {
			rec.fail(ErrorUnresolvedChunk, job.Err)
			r.emit(out, rec)
			continue
		}
		if r.opts.Instruments != nil {
			r.opts.Instruments.Dispatched.Inc()
		}
		queue <- dispatched{job: job, rec: rec, at: time.Now()}
	}
}

// admitInOrder passes dispatched jobs through the concurrency gate in
// dispatch order and starts a worker for each admitted one. Jobs still
// queued when ctx ends are recorded as cancelled.
func (r *Replayer) admitInOrder(ctx context.Context, start time.Time, queue <-chan dispatched, out chan<- TimingRecord, wg *sync.WaitGroup) {
	for d := range queue {
		err := r.acquire(ctx)
		d.rec.AdmissionWait = time.Since(d.at).Seconds()
		if err != nil {
			d.rec.fail(ErrorCancelled, err)
			r.emit(out, d.rec)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.execute(ctx, start, d, out)
		}()
	}
}

func (r *Replayer) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.gate == nil {
		return nil
	}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	// Acquire can win a race with cancellation
	if err := ctx.Err(); err != nil {
		r.gate.Release(1)
		return err
	}
	return nil
}

// execute streams one admitted job and emits its record.
func (r *Replayer) execute(ctx context.Context, start time.Time, d dispatched, out chan<- TimingRecord) {
	if r.gate != nil {
		defer r.gate.Release(1)
	}
	if in := r.opts.Instruments; in != nil {
		in.AdmissionWait.Observe(d.rec.AdmissionWait)
		in.InFlight.Inc()
		defer in.InFlight.Dec()
	}
	r.admit()
	defer r.admitted.Add(-1)

	r.stream(context.WithoutCancel(ctx), start, d.job, &d.rec)
	r.emit(out, d.rec)
}

func (r *Replayer) stream(ctx context.Context, start time.Time, job *Job, rec *TimingRecord) {
	text, err := job.Prompt()
	if err != nil {
		rec.fail(ErrorUnresolvedChunk, err)
		return
	}
	prompt := backend.Prompt{
		ID:           job.Entry.ID,
		Text:         text,
		InputTokens:  job.Payload.Length,
		OutputTokens: job.Entry.OutputLength,
	}
	rec.SendTime = ptr(since(start))
	s, err := r.backend.Generate(ctx, prompt, r.opts.Params)
	if err != nil {
		rec.fail(ErrorBackend, err)
		return
	}
	defer func() { _ = s.Close() }()

	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rec.fail(ErrorBackend, err)
			return
		}
		at := ev.Time
		if at.IsZero() {
			at = time.Now()
		}
		t := at.Sub(start).Seconds()
		if rec.FirstTokenTime == nil {
			rec.FirstTokenTime = ptr(t)
		}
		rec.TokenTimes = append(rec.TokenTimes, t)
	}
	rec.CompletionTime = ptr(since(start))
	if u, ok := s.(backend.UsageReporter); ok {
		rec.ReportedOutputTokens = u.OutputTokens()
	}
}

func (r *Replayer) admit() {
	n := r.admitted.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (r *Replayer) emit(out chan<- TimingRecord, rec TimingRecord) {
	r.opts.Instruments.observe(&rec)
	if r.opts.OnRecord != nil {
		r.opts.OnRecord(rec)
	}
	out <- rec
}

// waitUntil blocks until t or until ctx is done.
func waitUntil(ctx context.Context, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
