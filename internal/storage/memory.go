package storage

import (
	"context"
	"sync/atomic"
	"time"

	"crosspost/internal/post"
)

// Memory keeps jobs in process memory. TryClaim and TryCancel are atomic
// under the row lock of the job they touch.
type Memory struct {
	jobs   *jobTable
	closed atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{jobs: newJobTable(nil)}
}

func (m *Memory) open() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Create(_ context.Context, job post.Job) error {
	if err := m.open(); err != nil {
		return err
	}
	return m.jobs.create(job, nil)
}

func (m *Memory) Get(_ context.Context, id string) (post.Job, error) {
	if err := m.open(); err != nil {
		return post.Job{}, err
	}
	return m.jobs.get(id)
}

func (m *Memory) List(_ context.Context, f Filter) ([]post.Job, error) {
	if err := m.open(); err != nil {
		return nil, err
	}
	return m.jobs.list(f), nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time, limit int) ([]post.Job, error) {
	if err := m.open(); err != nil {
		return nil, err
	}
	return m.jobs.due(now, limit), nil
}

func (m *Memory) TryClaim(_ context.Context, id string, at time.Time) (post.Job, bool, error) {
	if err := m.open(); err != nil {
		return post.Job{}, false, err
	}
	return applied(m.jobs.update(id, claimAt(at), nil))
}

func (m *Memory) TryCancel(_ context.Context, id string, at time.Time) (post.Job, bool, error) {
	if err := m.open(); err != nil {
		return post.Job{}, false, err
	}
	return applied(m.jobs.update(id, cancelAt(at), nil))
}

func (m *Memory) WriteBack(_ context.Context, job post.Job) error {
	if err := m.open(); err != nil {
		return err
	}
	_, err := m.jobs.update(job.ID, finish(job), nil)
	return err
}

func (m *Memory) ReleaseClaim(_ context.Context, id string) (bool, error) {
	if err := m.open(); err != nil {
		return false, err
	}
	_, ok, err := applied(m.jobs.update(id, unclaim, nil))
	return ok, err
}

func (m *Memory) ListClaimed(_ context.Context, before time.Time) ([]post.Job, error) {
	if err := m.open(); err != nil {
		return nil, err
	}
	return m.jobs.claimed(before), nil
}

func (m *Memory) DeleteFinished(_ context.Context, before time.Time) (int, error) {
	if err := m.open(); err != nil {
		return 0, err
	}
	keep := func(j post.Job) bool { return !finishedBy(j, before) }
	n := 0
	for _, id := range m.jobs.finished(before) {
		if ok, _ := m.jobs.remove(id, keep, nil); ok {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	if err := m.open(); err != nil {
		return false, err
	}
	return m.jobs.remove(id, nil, nil)
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
