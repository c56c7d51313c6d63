package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/clock"
	"crosspost/internal/eventbus"
	"crosspost/internal/post"
	"crosspost/internal/stats"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

// ErrStopped is returned by operations that start work after Shutdown.
var ErrStopped = errors.New("scheduler: stopped")

// Dispatcher publishes a claimed job to its targets.
type Dispatcher interface {
	Dispatch(ctx context.Context, job post.Job) ([]post.TargetResult, error)
}

// MetricsSink receives scheduler measurements.
type MetricsSink interface {
	TickCompleted(d time.Duration, due int, err error)
	ExecutionFinished(status string, latency time.Duration)
	ExecutionsInFlight(n int)
}

type Config struct {
	// PollInterval is the ticker period of Run (default 30s).
	PollInterval time.Duration
	// BatchSize caps due jobs launched per tick (default 100).
	BatchSize int
	// WriteTimeout bounds the final write-back, which runs even when the
	// execution context was cancelled (default 10s).
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

type Scheduler struct {
	cfg        Config
	store      storage.Store
	dispatcher Dispatcher
	stats      *stats.Aggregator
	clock      clock.Clock
	log        logx.Logger
	metrics    MetricsSink
	bus        eventbus.Bus

	// base parents executions launched by the poll loop. Shutdown cancels it
	// only when draining runs out of time.
	base  context.Context
	abort context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	inflight sync.WaitGroup
	running  atomic.Int64
	active   map[string]struct{}

	listWarn rate.Sometimes
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option     { return func(s *Scheduler) { s.clock = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option    { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m MetricsSink) Option   { return func(s *Scheduler) { s.metrics = m } }
func WithEventBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }
func WithStats(a *stats.Aggregator) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.stats = a
		}
	}
}

func New(cfg Config, store storage.Store, d Dispatcher, opts ...Option) (*Scheduler, error) {
	if store == nil || d == nil {
		return nil, errors.New("scheduler: store and dispatcher are required")
	}
	base, abort := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		store:      store,
		dispatcher: d,
		stats:      stats.New(),
		clock:      clock.Real{},
		log:        logx.Nop(),
		bus:        eventbus.Nop{},
		base:       base,
		abort:      abort,
		stopCh:     make(chan struct{}),
		active:     make(map[string]struct{}),
		listWarn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// Schedule stores a pending job that becomes due at at. at must be strictly
// after the current time.
func (s *Scheduler) Schedule(ctx context.Context, content post.Content, targets []string, at time.Time) (post.Job, error) {
	now := s.clock.Now()
	if !at.After(now) {
		return post.Job{}, &post.ValidationError{Field: "scheduled_at", Message: "must be in the future"}
	}
	job, err := post.New(content, targets, at, now)
	if err != nil {
		return post.Job{}, err
	}
	if err := s.store.Create(ctx, job); err != nil {
		return post.Job{}, fmt.Errorf("scheduler: create job: %w", err)
	}
	s.log.Info("job scheduled", logx.JobID(job.ID), logx.Time("at", at), logx.Strings("targets", job.Targets))
	s.publish(eventbus.JobScheduled, job, nil)
	return job, nil
}

// SubmitNow stores the job already claimed so the poll loop never sees it,
// dispatches it inline and returns the final job.
func (s *Scheduler) SubmitNow(ctx context.Context, content post.Content, targets []string) (post.Job, error) {
	now := s.clock.Now()
	job, err := post.New(content, targets, now, now)
	if err != nil {
		return post.Job{}, err
	}
	if !s.begin() {
		return post.Job{}, ErrStopped
	}
	defer s.end()

	claimedAt := now
	job.ClaimedAt = &claimedAt
	if err := s.store.Create(ctx, job); err != nil {
		return post.Job{}, fmt.Errorf("scheduler: create job: %w", err)
	}
	s.log.Info("job submitted", logx.JobID(job.ID), logx.Strings("targets", job.Targets))
	s.publish(eventbus.JobSubmitted, job, nil)
	return s.run(ctx, job)
}

// Execute claims a due or future pending job and runs it. It reports false
// when the job is missing, terminal or already claimed.
func (s *Scheduler) Execute(ctx context.Context, id string) (post.Job, bool, error) {
	if !s.begin() {
		return post.Job{}, false, ErrStopped
	}
	defer s.end()
	return s.execute(ctx, id)
}

// ExecuteNow is Execute under the name used by the admin API.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) (post.Job, bool, error) {
	return s.Execute(ctx, id)
}

func (s *Scheduler) execute(ctx context.Context, id string) (post.Job, bool, error) {
	job, ok, err := s.store.TryClaim(ctx, id, s.clock.Now())
	if err != nil {
		return post.Job{}, false, fmt.Errorf("scheduler: claim %s: %w", id, err)
	}
	if !ok {
		return post.Job{}, false, nil
	}
	job, err = s.run(ctx, job)
	return job, true, err
}

// run dispatches a claimed job and persists the outcome.
func (s *Scheduler) run(ctx context.Context, job post.Job) (post.Job, error) {
	log := s.log.With(logx.JobID(job.ID))
	s.track(job.ID, true)
	defer s.track(job.ID, false)

	results, dispatchErr := s.dispatcher.Dispatch(ctx, job)
	now := s.clock.Now()
	if dispatchErr != nil {
		job.Complete(nil, now)
	} else {
		job.Complete(results, now)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.store.WriteBack(wctx, job); err != nil {
		log.Error("write back failed", logx.String("status", string(job.Status)), logx.Err(err))
		return job, fmt.Errorf("scheduler: write back %s: %w", job.ID, err)
	}

	s.stats.Record(job)
	if s.metrics != nil {
		s.metrics.ExecutionFinished(string(job.Status), now.Sub(job.ScheduledAt))
	}
	if t, ok := eventbus.ForStatus(job.Status); ok {
		s.publish(t, job, dispatchErr)
	}

	if dispatchErr != nil {
		log.Error("dispatch failed", logx.Err(dispatchErr))
		return job, fmt.Errorf("scheduler: dispatch %s: %w", job.ID, dispatchErr)
	}
	log.Info("job finished", logx.String("status", string(job.Status)), logx.Int("targets", len(job.Results)))
	return job, nil
}

// Cancel moves a pending, unclaimed job to cancelled. It reports false for
// any other job, including missing ones.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	job, ok, err := s.store.TryCancel(ctx, id, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("scheduler: cancel %s: %w", id, err)
	}
	if ok {
		s.log.Info("job cancelled", logx.JobID(id))
		s.publish(eventbus.JobCancelled, job, nil)
	}
	return ok, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (post.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Scheduler) ListJobs(ctx context.Context, f storage.Filter) ([]post.Job, error) {
	return s.store.List(ctx, f)
}

func (s *Scheduler) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Running reports executions currently in flight.
func (s *Scheduler) Running() int { return int(s.running.Load()) }

// Executing reports whether this process is dispatching the job right now.
func (s *Scheduler) Executing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Scheduler) track(id string, on bool) {
	s.mu.Lock()
	if on {
		s.active[id] = struct{}{}
	} else {
		delete(s.active, id)
	}
	s.mu.Unlock()
}

// Run polls for due jobs until ctx ends or Shutdown is called. The first
// tick happens immediately so overdue jobs are picked up on start.
//
// A job whose write-back failed stays claimed and is never polled again.
// Maintenance reports it as orphaned; with reclaim disabled an operator
// has to call Store.ReleaseClaim before it runs again.
func (s *Scheduler) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.cfg.PollInterval)
	defer t.Stop()

	s.log.Info("poll loop started", logx.Duration("interval", s.cfg.PollInterval))
	defer s.log.Info("poll loop stopped")

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-t.C():
		}
	}
}

// Tick lists due jobs once and launches an execution for each. It returns
// the number launched.
func (s *Scheduler) Tick(ctx context.Context) int {
	start := s.clock.Now()
	due, err := s.store.ListDue(ctx, start, s.cfg.BatchSize)
	if err != nil {
		s.listWarn.Do(func() {
			s.log.Warn("list due jobs failed", logx.Err(err))
		})
	}

	launched := 0
	for _, job := range due {
		if !s.begin() {
			break
		}
		launched++
		id := job.ID
		go func() {
			defer s.end()
			if _, _, err := s.execute(s.base, id); err != nil {
				s.log.Error("execution failed", logx.JobID(id), logx.Err(err))
			}
		}()
	}
	if launched > 0 {
		s.log.Debug("tick", logx.Int("due", len(due)), logx.Int("launched", launched))
	}
	if s.metrics != nil {
		s.metrics.TickCompleted(s.clock.Now().Sub(start), len(due), err)
	}
	return launched
}

// Shutdown stops the poll loop, refuses new executions and waits for
// in-flight ones. When ctx ends first, in-flight dispatches are cancelled
// and ctx.Err is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-ctx.Done():
		s.abort()
		s.log.Warn("shutdown timed out, cancelling executions", logx.Int("running", s.Running()))
		return ctx.Err()
	}
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	n := s.running.Add(1)
	if s.metrics != nil {
		s.metrics.ExecutionsInFlight(int(n))
	}
	return true
}

func (s *Scheduler) end() {
	n := s.running.Add(-1)
	if s.metrics != nil {
		s.metrics.ExecutionsInFlight(int(n))
	}
	s.inflight.Done()
}

func (s *Scheduler) publish(t eventbus.Type, job post.Job, err error) {
	e := eventbus.Event{Type: t, Time: s.clock.Now(), Job: job.Clone()}
	if err != nil {
		e.Err = err.Error()
	}
	s.bus.Publish(e)
}
