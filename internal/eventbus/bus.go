// Package eventbus fans job lifecycle events out to in-process listeners.
//
// Publish never blocks. Subscribers get a buffered channel and lose events
// when they fall behind; Dropped reports how many.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/internal/post"
)

type Type string

const (
	JobSubmitted Type = "job.submitted"
	JobScheduled Type = "job.scheduled"
	JobPosted    Type = "job.posted"
	JobFailed    Type = "job.failed"
	JobCancelled Type = "job.cancelled"
)

// ForStatus maps a terminal job status to its event type.
func ForStatus(s post.Status) (Type, bool) {
	switch s {
	case post.StatusPosted:
		return JobPosted, true
	case post.StatusFailed:
		return JobFailed, true
	case post.StatusCancelled:
		return JobCancelled, true
	}
	return "", false
}

type Event struct {
	Type Type
	Time time.Time
	Job  post.Job
	// Err is set for executions that failed before any target ran.
	Err string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 16

type subscriber struct {
	ch   chan Event
	gone bool
}

// Memory is the in-process Bus. It starts no goroutines.
type Memory struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func New() *Memory { return &Memory{} }

// Publish stamps e and offers it to every subscriber without blocking.
func (b *Memory) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener. The returned func removes it and closes
// the channel; calling it again is a no-op.
func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch, func() { b.remove(s) }
}

// remove takes the write lock, so no Publish is mid-send on s.ch.
func (b *Memory) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.gone {
		return
	}
	s.gone = true
	b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
	close(s.ch)
}

func (b *Memory) Dropped() uint64 { return b.dropped.Load() }

// Nop discards events; its subscriptions are closed from the start.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
