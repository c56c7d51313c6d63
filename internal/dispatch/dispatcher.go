// Package dispatch fans one job out to its targets and gathers one result
// per target.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"crosspost/internal/clock"
	"crosspost/internal/post"
	"crosspost/internal/ratelimit"
	"crosspost/internal/retry"
	"crosspost/internal/transport"
	"crosspost/pkg/logx"
)

// ErrUnknownTarget is returned when a job names a target with no adapter.
// Nothing is published in that case.
var ErrUnknownTarget = errors.New("dispatch: no adapter for target")

// MetricsSink receives dispatcher measurements. Implementations must not
// block.
type MetricsSink interface {
	PublishAttempt(target, outcome string, d time.Duration)
	TargetOutcome(target string, success bool)
	RetryScheduled(target string)
	RateLimitWait(target string, d time.Duration)
	CircuitRejected(target string)
	TargetsInFlightIncr()
	TargetsInFlightDecr()
}

type Config struct {
	// Concurrency caps in-flight targets per Dispatch call (default 8).
	Concurrency int
	// PublishTimeout bounds a single adapter call (default 30s).
	PublishTimeout time.Duration
	Circuit        CircuitConfig
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	return c
}

type Dispatcher struct {
	cfg      Config
	adapters *transport.Registry
	limiter  *ratelimit.Limiter
	retry    *retry.Policy
	clock    clock.Clock
	log      logx.Logger
	metrics  MetricsSink
	breaker  *breaker
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option   { return func(d *Dispatcher) { d.clock = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option  { return func(d *Dispatcher) { d.log = l } }
func WithMetrics(m MetricsSink) Option { return func(d *Dispatcher) { d.metrics = m } }

func New(cfg Config, adapters *transport.Registry, limiter *ratelimit.Limiter, policy *retry.Policy, opts ...Option) (*Dispatcher, error) {
	if adapters == nil || limiter == nil || policy == nil {
		return nil, errors.New("dispatch: registry, limiter and retry policy are required")
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		adapters: adapters,
		limiter:  limiter,
		retry:    policy,
		clock:    clock.Real{},
		log:      logx.Nop(),
		breaker:  newBreaker(cfg.Circuit),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Dispatch publishes job.Content to every target and returns the results in
// job.Targets order. Per-target failures are reported in the results, never
// as an error; an error means the job could not be dispatched at all.
func (d *Dispatcher) Dispatch(ctx context.Context, job post.Job) ([]post.TargetResult, error) {
	adapters := make([]transport.Adapter, len(job.Targets))
	for i, t := range job.Targets {
		a, ok := d.adapters.Lookup(t)
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownTarget, t)
		}
		adapters[i] = a
	}

	log := d.log.With(logx.JobID(job.ID))
	results := make([]post.TargetResult, len(job.Targets))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, t := range job.Targets {
		i, t, a := i, t, adapters[i]
		g.Go(func() error {
			if d.metrics != nil {
				d.metrics.TargetsInFlightIncr()
				defer d.metrics.TargetsInFlightDecr()
			}
			results[i] = d.publishOne(ctx, log, t, a, job.Content)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (d *Dispatcher) publishOne(ctx context.Context, log logx.Logger, target string, a transport.Adapter, content post.Content) post.TargetResult {
	res := post.TargetResult{Target: target}
	finish := func(err error) post.TargetResult {
		res.CompletedAt = d.clock.Now()
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		if d.metrics != nil {
			d.metrics.TargetOutcome(target, res.Success)
		}
		return res
	}

	if open, until := d.breaker.open(d.clock.Now(), target); open {
		if d.metrics != nil {
			d.metrics.CircuitRejected(target)
		}
		log.Warn("target skipped: circuit open", logx.Target(target), logx.Time("until", until))
		return finish(fmt.Errorf("circuit open until %s", until.UTC().Format(time.RFC3339)))
	}

	waited, err := d.limiter.AdmitWait(ctx, target)
	if waited > 0 {
		if d.metrics != nil {
			d.metrics.RateLimitWait(target, waited)
		}
		log.Debug("rate limited", logx.Target(target), logx.Duration("waited", waited))
	}
	if err != nil {
		return finish(fmt.Errorf("rate limiter: %w", err))
	}

	receipt, attempts, err := retry.Do(ctx, d.retry,
		func(ctx context.Context, attempt int) (transport.Receipt, error) {
			actx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
			defer cancel()
			start := d.clock.Now()
			r, err := a.Publish(actx, target, content)
			if d.metrics != nil {
				d.metrics.PublishAttempt(target, outcomeLabel(err), d.clock.Now().Sub(start))
			}
			return r, err
		},
		func(attempt int, err error, delay time.Duration) {
			if d.metrics != nil {
				d.metrics.RetryScheduled(target)
			}
			log.Info("publish failed, retrying",
				logx.Target(target),
				logx.Int("attempt", attempt+1),
				logx.Duration("backoff", delay),
				logx.Err(err),
			)
		},
	)
	res.Attempts = attempts
	d.breaker.record(d.clock.Now(), target, err == nil)
	if err != nil {
		log.Warn("publish failed", logx.Target(target), logx.Int("attempts", attempts), logx.Err(err))
		return finish(err)
	}

	res.Success = true
	res.ExternalID = receipt.ExternalID
	res.URL = receipt.URL
	log.Debug("published", logx.Target(target), logx.String("external_id", receipt.ExternalID), logx.Int("attempts", attempts))
	return finish(nil)
}

// Circuits lists breaker state per target; empty when the breaker is off.
func (d *Dispatcher) Circuits() []CircuitState {
	return d.breaker.snapshot(d.clock.Now())
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := transport.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
