package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/internal/post"
	"crosspost/pkg/logx"
)

// fileStore keeps the job table in memory and makes it durable with
// journal files next to the snapshot:
//   - <path>                       snapshot of every job (JSON object by id)
//   - <prefix>.journal.jsonl       one record per mutation
//   - <prefix>.journal.jsonl.old   the rotated journal while a snapshot is
//     being written
//
// A mutation appends its record while holding only its own row lock.
// Compaction rotates the journal, copies the table row by row and writes the
// snapshot without blocking transitions on other jobs.
type fileStore struct {
	log          logx.Logger
	jobs         *jobTable
	snapshotPath string
	journalPath  string
	compactEvery int
	closed       atomic.Bool

	jmu     sync.Mutex // guards journal and writes
	journal *os.File
	writes  int

	compactMu sync.Mutex
}

type journalRecord struct {
	Op  string    `json:"op"` // put | del
	ID  string    `json:"id,omitempty"`
	Job *post.Job `json:"job,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	journalPath := filepath.Join(dir, base+".journal.jsonl")

	jobs := make(map[string]post.Job)
	if err := loadSnapshot(path, jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	// A leftover rotated journal means the last snapshot write never
	// finished; its records predate the live journal.
	replayed := 0
	for _, jp := range []string{journalPath + ".old", journalPath} {
		n, err := replayJournal(jp, jobs, log)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("storage: replay %s: %w", filepath.Base(jp), err)
		}
		replayed += n
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	s := &fileStore{
		log:          log,
		jobs:         newJobTable(jobs),
		snapshotPath: path,
		journalPath:  journalPath,
		compactEvery: every,
		journal:      jf,
		writes:       replayed,
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("jobs", len(jobs)), logx.Int("journal_records", replayed))
	return s, nil
}

func (s *fileStore) open() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// appendRecord writes rec to the live journal.
func (s *fileStore) appendRecord(rec journalRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, err := s.journal.Write(b); err != nil {
		return fmt.Errorf("storage: journal append: %w", err)
	}
	s.writes++
	return nil
}

func (s *fileStore) put(j post.Job) error {
	return s.appendRecord(journalRecord{Op: "put", Job: &j})
}

func (s *fileStore) del(id string) func() error {
	return func() error { return s.appendRecord(journalRecord{Op: "del", ID: id}) }
}

// maybeCompact starts a background compaction once the journal is long
// enough. A compaction already in progress absorbs the request; Close waits
// for it through compactMu.
func (s *fileStore) maybeCompact() {
	s.jmu.Lock()
	due := s.journal != nil && s.writes >= s.compactEvery
	s.jmu.Unlock()
	if !due || !s.compactMu.TryLock() {
		return
	}
	go func() {
		defer s.compactMu.Unlock()
		if err := s.compact(); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}()
}

func (s *fileStore) Create(_ context.Context, job post.Job) error {
	if err := s.open(); err != nil {
		return err
	}
	defer s.maybeCompact()
	return s.jobs.create(job, s.put)
}

func (s *fileStore) Get(_ context.Context, id string) (post.Job, error) {
	if err := s.open(); err != nil {
		return post.Job{}, err
	}
	return s.jobs.get(id)
}

func (s *fileStore) List(_ context.Context, f Filter) ([]post.Job, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.jobs.list(f), nil
}

func (s *fileStore) ListDue(_ context.Context, now time.Time, limit int) ([]post.Job, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.jobs.due(now, limit), nil
}

func (s *fileStore) TryClaim(_ context.Context, id string, at time.Time) (post.Job, bool, error) {
	if err := s.open(); err != nil {
		return post.Job{}, false, err
	}
	defer s.maybeCompact()
	return applied(s.jobs.update(id, claimAt(at), s.put))
}

func (s *fileStore) TryCancel(_ context.Context, id string, at time.Time) (post.Job, bool, error) {
	if err := s.open(); err != nil {
		return post.Job{}, false, err
	}
	defer s.maybeCompact()
	return applied(s.jobs.update(id, cancelAt(at), s.put))
}

func (s *fileStore) WriteBack(_ context.Context, job post.Job) error {
	if err := s.open(); err != nil {
		return err
	}
	defer s.maybeCompact()
	_, err := s.jobs.update(job.ID, finish(job), s.put)
	return err
}

func (s *fileStore) ReleaseClaim(_ context.Context, id string) (bool, error) {
	if err := s.open(); err != nil {
		return false, err
	}
	defer s.maybeCompact()
	_, ok, err := applied(s.jobs.update(id, unclaim, s.put))
	return ok, err
}

func (s *fileStore) ListClaimed(_ context.Context, before time.Time) ([]post.Job, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.jobs.claimed(before), nil
}

func (s *fileStore) DeleteFinished(_ context.Context, before time.Time) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	defer s.maybeCompact()
	keep := func(j post.Job) bool { return !finishedBy(j, before) }
	n := 0
	for _, id := range s.jobs.finished(before) {
		ok, err := s.jobs.remove(id, keep, s.del(id))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) Delete(_ context.Context, id string) (bool, error) {
	if err := s.open(); err != nil {
		return false, err
	}
	defer s.maybeCompact()
	return s.jobs.remove(id, nil, s.del(id))
}

// Close writes a final snapshot and closes the journal.
func (s *fileStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.compactMu.Lock()
	cerr := s.compact()
	s.compactMu.Unlock()

	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.journal == nil {
		return cerr
	}
	err := s.journal.Close()
	s.journal = nil
	return errors.Join(cerr, err)
}

// compact rotates the live journal, copies the table and replaces the
// snapshot (tmp + rename). Callers hold compactMu. Only the rotation holds
// jmu; no row lock is held while files are written.
func (s *fileStore) compact() error {
	old := s.journalPath + ".old"
	if err := s.rotate(old); err != nil {
		return err
	}
	if err := writeSnapshot(s.snapshotPath, s.jobs.copyAll()); err != nil {
		return err
	}
	if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// rotate moves the live journal to old and starts an empty one. When old
// still exists from a failed compaction the live journal is kept; the
// snapshot about to be written covers both.
func (s *fileStore) rotate(old string) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, err := os.Stat(old); err == nil {
		return nil
	}
	if err := os.Rename(s.journalPath, old); err != nil {
		return err
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = os.Rename(old, s.journalPath)
		return fmt.Errorf("storage: reopen journal: %w", err)
	}
	_ = s.journal.Close()
	s.journal = jf
	s.writes = 0
	return nil
}

func writeSnapshot(path string, jobs map[string]post.Job) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, out map[string]post.Job) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]post.Job
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for id, j := range m {
		out[id] = j
	}
	return nil
}

// replayJournal applies records in order. A torn final line (crash during
// append) is skipped.
func replayJournal(path string, out map[string]post.Job, log logx.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			log.Warn("skipping unreadable journal record", logx.Int("line", n+1), logx.Err(err))
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil && r.Job.ID != "" {
				out[r.Job.ID] = *r.Job
			}
		case "del":
			delete(out, r.ID)
		}
		n++
	}
	return n, sc.Err()
}
