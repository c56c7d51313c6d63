// Package alert turns failed jobs into short operator messages delivered
// through one of the configured targets.
//
// Alerts are paced by a token bucket and identical failures are suppressed
// for a dedup window. The service keeps a small history for the debug
// endpoint.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"crosspost/internal/clock"
	"crosspost/internal/eventbus"
	"crosspost/internal/post"
	"crosspost/internal/transport"
	"crosspost/pkg/logx"
)

const maxText = 1000

type Config struct {
	// Target is the target id alerts are published to.
	Target string
	// PerMinute paces sends (default 6, burst 3).
	PerMinute int
	// DedupWindow suppresses repeats of the same failure (default 10m).
	DedupWindow time.Duration
	// History is the number of recent alerts kept (default 50).
	History int
	// Timeout bounds a single publish (default 15s).
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerMinute <= 0 {
		c.PerMinute = 6
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.History <= 0 {
		c.History = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Item is one handled failure.
type Item struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	Suppressed bool      `json:"suppressed,omitempty"`
	Err        string    `json:"err,omitempty"`
}

type Service struct {
	cfg     Config
	adapter transport.Adapter
	limiter *rate.Limiter
	clock   clock.Clock
	log     logx.Logger

	mu      sync.Mutex
	seen    map[uint64]time.Time
	history []Item
}

type Option func(*Service)

func WithClock(c clock.Clock) Option  { return func(s *Service) { s.clock = clock.OrReal(c) } }
func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func New(cfg Config, a transport.Adapter, opts ...Option) (*Service, error) {
	if a == nil {
		return nil, errors.New("alert: adapter is required")
	}
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, errors.New("alert: target is required")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		adapter: a,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60), 3),
		clock:   clock.Real{},
		log:     logx.Nop(),
		seen:    map[uint64]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

// Run consumes events until ctx ends or the channel closes. Only JobFailed
// events produce alerts.
func (s *Service) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.JobFailed {
				continue
			}
			if err := s.Handle(ctx, e.Job, e.Err); err != nil && ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Handle sends one alert for job unless the same failure was reported
// within the dedup window.
func (s *Service) Handle(ctx context.Context, job post.Job, dispatchErr string) error {
	lines := failureLines(job, dispatchErr)
	key := fingerprint(lines)
	text := render(job, lines)
	now := s.clock.Now()

	s.mu.Lock()
	if until, ok := s.seen[key]; ok && now.Before(until) {
		s.recordLocked(Item{At: now, JobID: job.ID, Text: text, Suppressed: true})
		s.mu.Unlock()
		s.log.Debug("alert suppressed", logx.JobID(job.ID))
		return nil
	}
	s.seen[key] = now.Add(s.cfg.DedupWindow)
	s.pruneLocked(now)
	s.mu.Unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	_, err := s.adapter.Publish(pctx, s.cfg.Target, post.Content{Text: text})
	cancel()

	item := Item{At: now, JobID: job.ID, Text: text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("alert not delivered", logx.JobID(job.ID), logx.Target(s.cfg.Target), logx.Err(err))
	}
	s.mu.Lock()
	s.recordLocked(item)
	s.mu.Unlock()
	return err
}

// History returns recent alerts, newest last.
func (s *Service) History() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.history...)
}

func (s *Service) recordLocked(it Item) {
	s.history = append(s.history, it)
	if over := len(s.history) - s.cfg.History; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

func (s *Service) pruneLocked(now time.Time) {
	if len(s.seen) < 1024 {
		return
	}
	for k, until := range s.seen {
		if !now.Before(until) {
			delete(s.seen, k)
		}
	}
}

// failureLines lists "target: error" for each failed result, sorted.
func failureLines(job post.Job, dispatchErr string) []string {
	var out []string
	for _, r := range job.Results {
		if !r.Success {
			out = append(out, r.Target+": "+r.Error)
		}
	}
	if len(out) == 0 && dispatchErr != "" {
		out = append(out, "dispatch: "+dispatchErr)
	}
	sort.Strings(out)
	return out
}

func fingerprint(lines []string) uint64 {
	h := fnv.New64a()
	for _, l := range lines {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func render(job post.Job, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "crosspost: job %s failed\n", job.ID)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	text := strings.TrimRight(b.String(), "\n")
	if r := []rune(text); len(r) > maxText {
		text = string(r[:maxText-1]) + "…"
	}
	return text
}
