package dispatch

import (
	"sync"
	"time"
)

// CircuitConfig configures the per-target breaker. TripFailures <= 0
// disables it.
type CircuitConfig struct {
	// TripFailures is the number of consecutive failed results that opens
	// the circuit.
	TripFailures int
	// BaseCooldown is the first open period; it doubles per further failure.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
	// ResetAfter forgets a failure streak older than this.
	ResetAfter time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = c.BaseCooldown
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 30 * time.Minute
	}
	return c
}

// circuit tracks consecutive failed results for one target.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breaker short-circuits targets that keep failing after retries, so a dead
// platform does not burn its whole retry budget on every job.
type breaker struct {
	cfg CircuitConfig

	mu sync.Mutex
	m  map[string]*circuit
}

func newBreaker(cfg CircuitConfig) *breaker {
	if cfg.TripFailures <= 0 {
		return nil
	}
	return &breaker{cfg: cfg.withDefaults(), m: make(map[string]*circuit)}
}

func (b *breaker) getLocked(target string) *circuit {
	c := b.m[target]
	if c == nil {
		c = &circuit{}
		b.m[target] = c
	}
	return c
}

func (b *breaker) expireLocked(now time.Time, c *circuit) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > b.cfg.ResetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// open reports whether target is short-circuited at now.
func (b *breaker) open(now time.Time, target string) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.getLocked(target)
	b.expireLocked(now, c)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record feeds the final result of one target publish.
func (b *breaker) record(now time.Time, target string, success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.getLocked(target)
	b.expireLocked(now, c)

	if success {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < b.cfg.TripFailures {
		return
	}

	d := b.cfg.BaseCooldown
	for i := b.cfg.TripFailures; i < c.fails && d < b.cfg.MaxCooldown; i++ {
		d *= 2
	}
	if d > b.cfg.MaxCooldown {
		d = b.cfg.MaxCooldown
	}
	c.openUntil = now.Add(d)
}

// CircuitState is one row of Dispatcher.Circuits.
type CircuitState struct {
	Target    string    `json:"target"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

func (b *breaker) snapshot(now time.Time) []CircuitState {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CircuitState, 0, len(b.m))
	for id, c := range b.m {
		st := CircuitState{Target: id, Failures: c.fails}
		if now.Before(c.openUntil) {
			st.OpenUntil = c.openUntil
		}
		out = append(out, st)
	}
	return out
}
