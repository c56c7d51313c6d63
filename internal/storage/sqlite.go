package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/internal/post"
	"crosspost/pkg/logx"
)

// sqliteStore stores times as unix nanoseconds so range predicates stay
// plain integer comparisons.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(r scanner) (post.Job, error) {
	var (
		j                          post.Job
		content, targets           string
		results                    sql.NullString
		claimedAt                  sql.NullInt64
		scheduled, created, update int64
		status                     string
	)
	if err := r.Scan(&j.ID, &content, &targets, &scheduled, &status, &results, &claimedAt, &created, &update); err != nil {
		return post.Job{}, err
	}
	var res []byte
	if results.Valid {
		res = []byte(results.String)
	}
	if err := decodeJSONColumns(&j, []byte(content), []byte(targets), res); err != nil {
		return post.Job{}, err
	}
	j.Status = post.Status(status)
	j.ScheduledAt = fromNanos(scheduled)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(update)
	if claimedAt.Valid {
		at := fromNanos(claimedAt.Int64)
		j.ClaimedAt = &at
	}
	return j, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *sqliteStore) Create(ctx context.Context, job post.Job) error {
	e, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		job.ID, string(e.content), string(e.targets), nanos(job.ScheduledAt), string(job.Status),
		nullableText(e.results), nullableNanos(job.ClaimedAt), nanos(job.CreatedAt), nanos(job.UpdatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrExists
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (post.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return post.Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]post.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const sqliteOrder = ` ORDER BY scheduled_at, created_at, id`

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]post.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += sqliteOrder
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time, limit int) ([]post.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'pending' AND claimed_at IS NULL AND scheduled_at <= ?` + sqliteOrder
	args := []any{nanos(now)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *sqliteStore) TryClaim(ctx context.Context, id string, at time.Time) (post.Job, bool, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND claimed_at IS NULL
		 RETURNING `+jobColumns,
		nanos(at), nanos(at), id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return post.Job{}, false, nil
	}
	if err != nil {
		return post.Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) TryCancel(ctx context.Context, id string, at time.Time) (post.Job, bool, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'cancelled', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND claimed_at IS NULL
		 RETURNING `+jobColumns,
		nanos(at), id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return post.Job{}, false, nil
	}
	if err != nil {
		return post.Job{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) WriteBack(ctx context.Context, job post.Job) error {
	e, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, results = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND claimed_at IS NOT NULL`,
		string(job.Status), nullableText(e.results), nanos(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return err
	}
	return s.settleWriteBack(ctx, res, job.ID)
}

// settleWriteBack turns the result of the guarded UPDATE into nil,
// ErrNotFound or ErrConflict.
func (s *sqliteStore) settleWriteBack(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: write-back %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqliteStore) ReleaseClaim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_at = NULL WHERE id = ? AND status = 'pending' AND claimed_at IS NOT NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ListClaimed(ctx context.Context, before time.Time) ([]post.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND claimed_at IS NOT NULL AND claimed_at <= ?`+sqliteOrder, nanos(before))
}

func (s *sqliteStore) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('posted', 'failed', 'cancelled') AND updated_at < ?`, nanos(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
