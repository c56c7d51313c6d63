// Package ratelimit holds per-target admission control: a sliding log of
// admission times per target that delays callers, never rejects them.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"crosspost/internal/clock"
)

type window struct {
	mu     sync.Mutex
	policy Policy
	stamps []time.Time // admission times, oldest first
}

// Limiter is safe for concurrent use. Distinct targets never contend on the
// same lock, and no lock is held while a caller waits.
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	table   Table
	windows map[string]*window
}

// New builds a limiter from a validated table.
func New(table Table, c clock.Clock) (*Limiter, error) {
	if err := table.Default.Validate(); err != nil {
		return nil, err
	}
	for _, p := range table.ByTarget {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return &Limiter{clock: clock.OrReal(c), table: table, windows: make(map[string]*window)}, nil
}

// SetTable swaps policies at runtime. Existing windows keep their history
// and adopt the new policy on their next admission.
func (l *Limiter) SetTable(table Table) error {
	if err := table.Default.Validate(); err != nil {
		return err
	}
	for _, p := range table.ByTarget {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.table = table
	ws := make(map[string]*window, len(l.windows))
	for id, w := range l.windows {
		ws[id] = w
	}
	l.mu.Unlock()

	for id, w := range ws {
		w.mu.Lock()
		w.policy = table.For(id)
		w.mu.Unlock()
	}
	return nil
}

// Policy returns the policy currently applied to target.
func (l *Limiter) Policy(target string) Policy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.For(target)
}

func (l *Limiter) window(target string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[target]
	if !ok {
		w = &window{policy: l.table.For(target)}
		l.windows[target] = w
	}
	return w
}

// Admit blocks until target may make one more request, then records it. It
// only fails when ctx ends first.
func (l *Limiter) Admit(ctx context.Context, target string) error {
	_, err := l.AdmitWait(ctx, target)
	return err
}

// AdmitWait is Admit that also reports how long the caller was held back.
func (l *Limiter) AdmitWait(ctx context.Context, target string) (time.Duration, error) {
	w := l.window(target)
	var waited time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return waited, err
		}
		wait := w.tryAdmit(l.clock.Now())
		if wait <= 0 {
			return waited, nil
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// tryAdmit records now and returns 0 if the window has room, otherwise the
// time until the oldest admission leaves the window. An admission exactly
// Window old no longer counts.
func (w *window) tryAdmit(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.policy.Window)
	drop := 0
	for drop < len(w.stamps) && !w.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[drop:]...)
	}

	if len(w.stamps) < w.policy.MaxRequests {
		w.stamps = append(w.stamps, now)
		return 0
	}
	// A lowered limit can leave more stamps than allowed; wait for the one
	// that brings the count under the limit.
	idx := len(w.stamps) - w.policy.MaxRequests
	wait := w.policy.Window - now.Sub(w.stamps[idx])
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

// Usage reports admissions inside the current window for target.
func (l *Limiter) Usage(target string) (used int, p Policy) {
	w := l.window(target)
	now := l.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.policy.Window)
	for _, s := range w.stamps {
		if s.After(cutoff) {
			used++
		}
	}
	return used, w.policy
}
