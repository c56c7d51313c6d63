package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"crosspost/internal/post"
)

// errUnchanged is returned by a change func that leaves its row as is.
var errUnchanged = errors.New("storage: row unchanged")

// row is one job and the lock every transition of that job takes.
type row struct {
	mu   sync.Mutex
	job  post.Job
	gone bool // removed from the index; transitions report ErrNotFound
}

// jobTable is the in-memory index behind the memory and file drivers.
//
// mu guards the map only. A transition locks the single row it touches, so
// claims, cancels and write-backs on different jobs never wait on each
// other. Lock order is row before map. Every method returns copies.
type jobTable struct {
	mu   sync.RWMutex
	rows map[string]*row
}

func newJobTable(jobs map[string]post.Job) *jobTable {
	t := &jobTable{rows: make(map[string]*row, len(jobs))}
	for id, j := range jobs {
		t.rows[id] = &row{job: j}
	}
	return t
}

func (t *jobTable) lookup(id string) *row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[id]
}

// snapshotRows returns the current rows; the caller locks each one.
func (t *jobTable) snapshotRows() []*row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, r)
	}
	return out
}

func (t *jobTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// create inserts job. commit, when set, runs while the new row is still
// locked; its error removes the row again.
func (t *jobTable) create(job post.Job, commit func(post.Job) error) error {
	r := &row{job: job.Clone()}
	r.mu.Lock()
	defer r.mu.Unlock()

	t.mu.Lock()
	if _, ok := t.rows[job.ID]; ok {
		t.mu.Unlock()
		return ErrExists
	}
	t.rows[job.ID] = r
	t.mu.Unlock()

	if commit == nil {
		return nil
	}
	if err := commit(r.job); err != nil {
		r.gone = true
		t.drop(job.ID, r)
		return err
	}
	return nil
}

func (t *jobTable) drop(id string, r *row) {
	t.mu.Lock()
	if t.rows[id] == r {
		delete(t.rows, id)
	}
	t.mu.Unlock()
}

func (t *jobTable) get(id string) (post.Job, error) {
	r := t.lookup(id)
	if r == nil {
		return post.Job{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return post.Job{}, ErrNotFound
	}
	return r.job.Clone(), nil
}

// update runs change on a copy of id's job under the row lock. commit, when
// set, persists the result before it becomes visible; either error leaves
// the row untouched.
func (t *jobTable) update(id string, change func(j *post.Job) error, commit func(post.Job) error) (post.Job, error) {
	r := t.lookup(id)
	if r == nil {
		return post.Job{}, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return post.Job{}, ErrNotFound
	}

	next := r.job.Clone()
	if err := change(&next); err != nil {
		return post.Job{}, err
	}
	if commit != nil {
		if err := commit(next); err != nil {
			return post.Job{}, err
		}
	}
	r.job = next
	return next.Clone(), nil
}

// remove deletes id when keep is nil or returns false for it. commit runs
// under the row lock before the row disappears.
func (t *jobTable) remove(id string, keep func(post.Job) bool, commit func() error) (bool, error) {
	r := t.lookup(id)
	if r == nil {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone || (keep != nil && keep(r.job)) {
		return false, nil
	}
	if commit != nil {
		if err := commit(); err != nil {
			return false, err
		}
	}
	r.gone = true
	t.drop(id, r)
	return true, nil
}

// each calls fn with every live job, one row lock at a time. fn must not
// retain j without cloning it.
func (t *jobTable) each(fn func(j post.Job)) {
	for _, r := range t.snapshotRows() {
		r.mu.Lock()
		if !r.gone {
			fn(r.job)
		}
		r.mu.Unlock()
	}
}

func (t *jobTable) collect(match func(post.Job) bool) []post.Job {
	var out []post.Job
	t.each(func(j post.Job) {
		if match(j) {
			out = append(out, j.Clone())
		}
	})
	sortJobs(out)
	return out
}

func (t *jobTable) copyAll() map[string]post.Job {
	out := make(map[string]post.Job, t.len())
	t.each(func(j post.Job) { out[j.ID] = j.Clone() })
	return out
}

func (t *jobTable) list(f Filter) []post.Job {
	out := t.collect(func(j post.Job) bool { return f.Status == "" || j.Status == f.Status })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	if out == nil {
		out = []post.Job{}
	}
	return out
}

func (t *jobTable) due(now time.Time, limit int) []post.Job {
	out := t.collect(func(j post.Job) bool { return j.Due(now) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *jobTable) claimed(before time.Time) []post.Job {
	return t.collect(func(j post.Job) bool { return orphanedBy(j, before) })
}

// finished returns the ids of terminal jobs updated before before.
func (t *jobTable) finished(before time.Time) []string {
	var ids []string
	t.each(func(j post.Job) {
		if finishedBy(j, before) {
			ids = append(ids, j.ID)
		}
	})
	sort.Strings(ids)
	return ids
}

func orphanedBy(j post.Job, before time.Time) bool {
	return j.Status == post.StatusPending && j.ClaimedAt != nil && !j.ClaimedAt.After(before)
}

func finishedBy(j post.Job, before time.Time) bool {
	return j.Status.Terminal() && j.UpdatedAt.Before(before)
}

// Transitions shared by the memory and file drivers.

func claimAt(at time.Time) func(j *post.Job) error {
	return func(j *post.Job) error {
		if j.Status != post.StatusPending || j.ClaimedAt != nil {
			return errUnchanged
		}
		claimedAt := at
		j.ClaimedAt = &claimedAt
		j.UpdatedAt = at
		return nil
	}
}

func cancelAt(at time.Time) func(j *post.Job) error {
	return func(j *post.Job) error {
		if j.Status != post.StatusPending || j.ClaimedAt != nil {
			return errUnchanged
		}
		j.Status = post.StatusCancelled
		j.UpdatedAt = at
		return nil
	}
}

func finish(final post.Job) func(j *post.Job) error {
	return func(j *post.Job) error {
		if j.Status != post.StatusPending || j.ClaimedAt == nil {
			return ErrConflict
		}
		j.Status = final.Status
		j.Results = append([]post.TargetResult(nil), final.Results...)
		j.UpdatedAt = final.UpdatedAt
		return nil
	}
}

func unclaim(j *post.Job) error {
	if j.Status != post.StatusPending || j.ClaimedAt == nil {
		return errUnchanged
	}
	j.ClaimedAt = nil
	return nil
}

// applied maps the result of a conditional transition onto (job, ok, err).
func applied(j post.Job, err error) (post.Job, bool, error) {
	switch {
	case err == nil:
		return j, true, nil
	case errors.Is(err, errUnchanged), errors.Is(err, ErrNotFound):
		return post.Job{}, false, nil
	default:
		return post.Job{}, false, err
	}
}

func sortJobs(js []post.Job) {
	sort.Slice(js, func(a, b int) bool {
		if !js[a].ScheduledAt.Equal(js[b].ScheduledAt) {
			return js[a].ScheduledAt.Before(js[b].ScheduledAt)
		}
		if !js[a].CreatedAt.Equal(js[b].CreatedAt) {
			return js[a].CreatedAt.Before(js[b].CreatedAt)
		}
		return js[a].ID < js[b].ID
	})
}
