// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"crosspost/internal/clock"
)

// Config holds the tunables of a Policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt (>= 0).
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every computed or hinted delay.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay per attempt; must be > 1.
	BackoffFactor float64
	// Jitter spreads each delay by +/- Jitter (0..1). 0 disables it.
	Jitter float64
}

// DefaultConfig returns 3 retries starting at 1s, doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry: max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry: base_delay must be >= 0, got %s", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("retry: max_delay %s is below base_delay %s", c.MaxDelay, c.BaseDelay))
	}
	if !(c.BackoffFactor > 1) {
		errs = append(errs, fmt.Errorf("retry: backoff_factor must be > 1, got %v", c.BackoffFactor))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry: jitter must be within [0,1], got %v", c.Jitter))
	}
	return errors.Join(errs...)
}

// Policy is an immutable, validated retry policy. It is safe for concurrent
// use.
type Policy struct {
	cfg      Config
	classify Classifier
	clock    clock.Clock

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Policy)

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) {
		if c != nil {
			p.classify = c
		}
	}
}

// WithClock injects the clock used for waits between attempts.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) { p.clock = clock.OrReal(c) }
}

// New validates cfg and builds a Policy.
func New(cfg Config, opts ...Option) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Policy{
		cfg:      cfg,
		classify: DefaultClassifier,
		clock:    clock.Real{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Policy) Config() Config { return p.cfg }

// Delay returns the backoff before retry number attempt+1, where attempt is
// the zero-based index of the attempt that just failed:
// min(BaseDelay * BackoffFactor^attempt, MaxDelay), before jitter.
func (p *Policy) Delay(attempt int) time.Duration {
	d := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt))
	if d > float64(p.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (p *Policy) delayFor(attempt int, err error) time.Duration {
	d, ok := hint(err)
	if !ok {
		d = p.Delay(attempt)
	}
	if j := p.cfg.Jitter; j > 0 && d > 0 {
		p.rngMu.Lock()
		r := (p.rng.Float64()*2 - 1) * j
		p.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retryable reports whether the policy's classifier would retry err.
func (p *Policy) Retryable(err error) bool { return p.classify(err) }

// Notify is called before each wait with the failed attempt index, its error
// and the chosen delay.
type Notify func(attempt int, err error, delay time.Duration)

// Run calls op until it succeeds, the classifier refuses the error, the
// retry budget is spent or ctx ends. It returns the number of calls made and
// the last error with any Permanent marker removed. op receives the
// zero-based attempt index.
func (p *Policy) Run(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	for attempt := 0; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if attempt >= p.cfg.MaxRetries || !p.classify(err) {
			return attempt + 1, bare(err)
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
		d := p.delayFor(attempt, err)
		if notify != nil {
			notify(attempt, err, d)
		}
		if serr := p.clock.Sleep(ctx, d); serr != nil {
			return attempt + 1, err
		}
	}
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context, attempt int) (T, error), notify Notify) (T, int, error) {
	var out T
	n, err := p.Run(ctx, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, notify)
	return out, n, err
}
