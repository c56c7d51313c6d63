package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/internal/post"
	"crosspost/internal/ratelimit"
	"crosspost/internal/retry"
	"crosspost/internal/transport"
)

// scripted answers from a queue of errors per call, then succeeds.
type scripted struct {
	mu    sync.Mutex
	errs  []error
	calls int
	delay time.Duration
}

func (s *scripted) Publish(ctx context.Context, target string, _ post.Content) (transport.Receipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		if err != nil {
			return transport.Receipt{}, err
		}
	}
	return transport.Receipt{ExternalID: fmt.Sprintf("%s-%d", target, s.calls)}, nil
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	d        *Dispatcher
	adapters map[string]*scripted
}

func newFixture(t *testing.T, cfg Config, adapters map[string]*scripted) fixture {
	t.Helper()
	reg := transport.NewRegistry()
	for id, a := range adapters {
		if err := reg.Register(id, a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	tbl, err := ratelimit.NewTable(ratelimit.Policy{}, nil)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	lim, err := ratelimit.New(tbl, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	rp, err := retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	d, err := New(cfg, reg, lim, rp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{d: d, adapters: adapters}
}

func job(targets ...string) post.Job {
	return post.Job{ID: "job-1", Content: post.Content{Text: "hi"}, Targets: targets, Status: post.StatusPending}
}

func TestDispatchTransientFailureRecovers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, map[string]*scripted{
		"A": {},
		"B": {errs: []error{transport.StatusError(500, "boom"), nil}},
	})
	results, err := f.d.Dispatch(context.Background(), job("A", "B"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(results) != 2 || results[0].Target != "A" || results[1].Target != "B" {
		t.Fatalf("results=%+v", results)
	}
	if !post.AllSucceeded(results) {
		t.Fatalf("expected all success: %+v", results)
	}
	if results[1].Attempts != 2 || f.adapters["B"].Calls() != 2 {
		t.Fatalf("B attempts=%d calls=%d", results[1].Attempts, f.adapters["B"].Calls())
	}
	if results[0].ExternalID == "" || results[0].CompletedAt.IsZero() {
		t.Fatalf("A result incomplete: %+v", results[0])
	}
}

func TestDispatchPermanentFailureIsRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, map[string]*scripted{
		"A": {},
		"B": {errs: []error{transport.StatusError(400, "bad request")}},
	})
	results, err := f.d.Dispatch(context.Background(), job("A", "B"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !results[0].Success || results[0].ExternalID == "" {
		t.Fatalf("A should succeed: %+v", results[0])
	}
	b := results[1]
	if b.Success || b.ExternalID != "" || !strings.Contains(b.Error, "400") {
		t.Fatalf("B=%+v", b)
	}
	if f.adapters["B"].Calls() != 1 {
		t.Fatalf("4xx retried: calls=%d", f.adapters["B"].Calls())
	}
}

func TestDispatchExhaustsRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, map[string]*scripted{
		"A": {errs: []error{transport.StatusError(503, "down")}},
	})
	results, _ := f.d.Dispatch(context.Background(), job("A"))
	if results[0].Success || results[0].Attempts != 4 {
		t.Fatalf("result=%+v", results[0])
	}
}

func TestDispatchUnknownTargetPublishesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, map[string]*scripted{"A": {}})
	_, err := f.d.Dispatch(context.Background(), job("A", "ghost"))
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("err=%v", err)
	}
	if f.adapters["A"].Calls() != 0 {
		t.Fatalf("A published despite infra failure")
	}
}

func TestDispatchPreservesOrderUnderConcurrency(t *testing.T) {
	t.Parallel()

	adapters := map[string]*scripted{}
	var targets []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("t%02d", i)
		targets = append(targets, id)
		adapters[id] = &scripted{delay: time.Duration(12-i) * time.Millisecond}
	}
	f := newFixture(t, Config{Concurrency: 4}, adapters)
	results, err := f.d.Dispatch(context.Background(), job(targets...))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	for i, r := range results {
		if r.Target != targets[i] {
			t.Fatalf("results[%d]=%s want %s", i, r.Target, targets[i])
		}
	}
}

type gauge struct {
	cur, peak int32
}

func (g *gauge) enter() {
	n := atomic.AddInt32(&g.cur, 1)
	for {
		p := atomic.LoadInt32(&g.peak)
		if n <= p || atomic.CompareAndSwapInt32(&g.peak, p, n) {
			return
		}
	}
}
func (g *gauge) leave() { atomic.AddInt32(&g.cur, -1) }

func TestDispatchRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	g := &gauge{}
	reg := transport.NewRegistry()
	var targets []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("t%d", i)
		targets = append(targets, id)
		_ = reg.Register(id, transport.AdapterFunc(func(ctx context.Context, target string, _ post.Content) (transport.Receipt, error) {
			g.enter()
			defer g.leave()
			time.Sleep(5 * time.Millisecond)
			return transport.Receipt{ExternalID: target}, nil
		}))
	}
	tbl, _ := ratelimit.NewTable(ratelimit.Policy{}, nil)
	lim, _ := ratelimit.New(tbl, nil)
	rp, _ := retry.New(retry.DefaultConfig())
	d, err := New(Config{Concurrency: 3}, reg, lim, rp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), job(targets...)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if p := atomic.LoadInt32(&g.peak); p > 3 || p == 0 {
		t.Fatalf("peak concurrency=%d want 1..3", p)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Circuit: CircuitConfig{TripFailures: 2, BaseCooldown: time.Hour}}, map[string]*scripted{
		"A": {errs: []error{transport.StatusError(401, "revoked")}},
	})
	for i := 0; i < 2; i++ {
		_, _ = f.d.Dispatch(context.Background(), job("A"))
	}
	before := f.adapters["A"].Calls()
	results, _ := f.d.Dispatch(context.Background(), job("A"))
	if results[0].Success || !strings.Contains(results[0].Error, "circuit open") {
		t.Fatalf("result=%+v", results[0])
	}
	if f.adapters["A"].Calls() != before {
		t.Fatalf("adapter called while circuit open")
	}
	cs := f.d.Circuits()
	if len(cs) != 1 || cs[0].Failures != 2 || cs[0].OpenUntil.IsZero() {
		t.Fatalf("circuits=%+v", cs)
	}
}

func TestBreakerCooldownGrowsAndResets(t *testing.T) {
	t.Parallel()

	b := newBreaker(CircuitConfig{TripFailures: 1, BaseCooldown: time.Second, MaxCooldown: 3 * time.Second, ResetAfter: time.Hour})
	now := time.Unix(0, 0)
	b.record(now, "x", false)
	if open, until := b.open(now, "x"); !open || until != now.Add(time.Second) {
		t.Fatalf("first trip open=%v until=%v", open, until)
	}
	b.record(now, "x", false)
	if _, until := b.open(now, "x"); until != now.Add(2*time.Second) {
		t.Fatalf("second trip until=%v", until)
	}
	b.record(now, "x", false)
	b.record(now, "x", false)
	if _, until := b.open(now, "x"); until != now.Add(3*time.Second) {
		t.Fatalf("cooldown not capped: %v", until)
	}
	b.record(now, "x", true)
	if open, _ := b.open(now, "x"); open {
		t.Fatalf("success should close the circuit")
	}
	if newBreaker(CircuitConfig{}) != nil {
		t.Fatalf("zero config should disable the breaker")
	}
}
