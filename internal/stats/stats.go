// Package stats keeps monotonic delivery counters for the process.
package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"crosspost/internal/post"
	"crosspost/pkg/logx"
)

// TargetStats counts outcomes for one target. Attempts is the number of
// dispatches that included the target; PublishCalls counts adapter calls
// including retries.
type TargetStats struct {
	Attempts     uint64 `json:"attempts"`
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	PublishCalls uint64 `json:"publish_calls"`
}

// Snapshot is a point-in-time copy of the aggregator.
type Snapshot struct {
	JobsDispatched uint64                 `json:"jobs_dispatched"`
	JobsSucceeded  uint64                 `json:"jobs_succeeded"`
	JobsFailed     uint64                 `json:"jobs_failed"`
	Targets        map[string]TargetStats `json:"targets"`
}

// Mirror receives every recorded job, for example to copy counters into a
// shared backend. It runs off the hot path.
type Mirror interface {
	Record(ctx context.Context, job post.Job) error
}

// Aggregator is safe for concurrent use. Record is called once per completed
// execution.
type Aggregator struct {
	mu   sync.Mutex
	snap Snapshot

	mirror  Mirror
	queue   chan post.Job
	dropped atomic.Uint64
	log     logx.Logger
}

type Option func(*Aggregator)

// WithMirror forwards recorded jobs to m through a bounded queue drained by
// RunMirror. Jobs are dropped when the queue is full.
func WithMirror(m Mirror, buffer int) Option {
	return func(a *Aggregator) {
		if m == nil {
			return
		}
		if buffer <= 0 {
			buffer = 256
		}
		a.mirror = m
		a.queue = make(chan post.Job, buffer)
	}
}

func WithLogger(l logx.Logger) Option { return func(a *Aggregator) { a.log = l } }

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		snap: Snapshot{Targets: make(map[string]TargetStats)},
		log:  logx.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Record folds a terminal job into the counters. Jobs that are still pending
// or were cancelled are ignored.
func (a *Aggregator) Record(job post.Job) {
	if job.Status != post.StatusPosted && job.Status != post.StatusFailed {
		return
	}

	a.mu.Lock()
	a.snap.JobsDispatched++
	if job.Status == post.StatusPosted {
		a.snap.JobsSucceeded++
	} else {
		a.snap.JobsFailed++
	}
	for _, r := range job.Results {
		ts := a.snap.Targets[r.Target]
		ts.Attempts++
		ts.PublishCalls += uint64(r.Attempts)
		if r.Success {
			ts.Successes++
		} else {
			ts.Failures++
		}
		a.snap.Targets[r.Target] = ts
	}
	a.mu.Unlock()

	if a.queue != nil {
		select {
		case a.queue <- job.Clone():
		default:
			a.dropped.Add(1)
		}
	}
}

// Snapshot returns a deep copy of the counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.snap
	out.Targets = make(map[string]TargetStats, len(a.snap.Targets))
	for k, v := range a.snap.Targets {
		out.Targets[k] = v
	}
	return out
}

// RunMirror drains the mirror queue until ctx ends. It returns immediately
// when no mirror is configured.
func (a *Aggregator) RunMirror(ctx context.Context) {
	if a.queue == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("stats mirror dropped jobs", logx.Uint64("count", n))
			}
			return
		case job := <-a.queue:
			if err := a.mirror.Record(ctx, job); err != nil {
				a.log.Warn("stats mirror write failed", logx.JobID(job.ID), logx.Err(err))
			}
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("stats mirror dropped jobs", logx.Uint64("count", n))
			}
		}
	}
}
