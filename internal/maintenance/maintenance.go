// Package maintenance runs the periodic store sweep: retention of finished
// jobs and detection (optionally release) of orphaned claims.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/clock"
	"crosspost/internal/storage"
	"crosspost/pkg/logx"
)

type Config struct {
	// Schedule is a cron spec (5 or 6 fields, or a descriptor such as
	// "@every 10m"). Default "@every 10m".
	Schedule string
	Location *time.Location
	// Retention deletes posted, failed and cancelled jobs last updated longer
	// ago than this. 0 keeps them forever.
	Retention time.Duration
	// OrphanAfter is how long a claim may stay unfinished before it is
	// reported (default 15m).
	OrphanAfter time.Duration
	// ReclaimAfter releases orphaned claims older than this so the poll loop
	// runs them again. 0 disables release. A released job may be published
	// twice.
	ReclaimAfter time.Duration
}

// Executor reports jobs this process is still dispatching; they are never
// treated as orphans.
type Executor interface {
	Executing(id string) bool
}

type MetricsSink interface {
	OrphanedJobs(n int)
	JobsSwept(n int)
}

// Report summarizes one sweep.
type Report struct {
	Deleted  int
	Orphaned []string
	Released []string
}

type Sweeper struct {
	cfg      Config
	sched    cron.Schedule
	store    storage.Store
	executor Executor
	clock    clock.Clock
	log      logx.Logger
	metrics  MetricsSink
}

type Option func(*Sweeper)

func WithClock(c clock.Clock) Option   { return func(s *Sweeper) { s.clock = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option  { return func(s *Sweeper) { s.log = l } }
func WithMetrics(m MetricsSink) Option { return func(s *Sweeper) { s.metrics = m } }
func WithExecutor(e Executor) Option   { return func(s *Sweeper) { s.executor = e } }

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, store storage.Store, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("maintenance: store is required")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 15 * time.Minute
	}
	if cfg.Retention < 0 || cfg.ReclaimAfter < 0 {
		return nil, errors.New("maintenance: retention and reclaim_after must be >= 0")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", cfg.Schedule, err)
	}
	s := &Sweeper{
		cfg:   cfg,
		sched: sched,
		store: store,
		clock: clock.Real{},
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// Next returns the first sweep time after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.sched.Next(t.In(s.cfg.Location)) }

// Sweep runs one maintenance pass. Errors from individual steps are joined;
// later steps still run.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.clock.Now()
	var rep Report
	var errs []error

	if s.cfg.Retention > 0 {
		n, err := s.store.DeleteFinished(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete finished: %w", err))
		}
		rep.Deleted = n
		if s.metrics != nil && n > 0 {
			s.metrics.JobsSwept(n)
		}
	}

	claimed, err := s.store.ListClaimed(ctx, now.Add(-s.cfg.OrphanAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("list claimed: %w", err))
	}
	for _, j := range claimed {
		if s.executor != nil && s.executor.Executing(j.ID) {
			continue
		}
		rep.Orphaned = append(rep.Orphaned, j.ID)
		if s.cfg.ReclaimAfter <= 0 || j.ClaimedAt == nil || now.Sub(*j.ClaimedAt) < s.cfg.ReclaimAfter {
			continue
		}
		ok, err := s.store.ReleaseClaim(ctx, j.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", j.ID, err))
			continue
		}
		if ok {
			rep.Released = append(rep.Released, j.ID)
			s.log.Warn("orphaned claim released", logx.JobID(j.ID), logx.Time("claimed_at", *j.ClaimedAt))
		}
	}
	if s.metrics != nil {
		s.metrics.OrphanedJobs(len(rep.Orphaned) - len(rep.Released))
	}
	if n := len(rep.Orphaned) - len(rep.Released); n > 0 {
		s.log.Warn("orphaned claims found", logx.Int("count", n), logx.Duration("older_than", s.cfg.OrphanAfter))
	}

	s.log.Debug("sweep done",
		logx.Int("deleted", rep.Deleted),
		logx.Int("orphaned", len(rep.Orphaned)),
		logx.Int("released", len(rep.Released)),
	)
	return rep, errors.Join(errs...)
}

// Run sweeps on the cron schedule until ctx ends, then waits for a running
// sweep to finish. Overlapping sweeps are skipped.
func (s *Sweeper) Run(ctx context.Context) error {
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(s.sched, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Warn("sweep failed", logx.Err(err))
		}
	}))
	c.Start()
	s.log.Info("maintenance started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention),
		logx.Duration("reclaim_after", s.cfg.ReclaimAfter),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("maintenance stopped")
	return nil
}

// cronLogger routes robfig/cron's logr-style calls to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
