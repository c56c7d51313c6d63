package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crosspost/internal/post"
	"crosspost/pkg/logx"
)

// pgStore is the shared-database driver. Claim and cancel are single
// UPDATE ... RETURNING statements guarded on status and claimed_at.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: postgres migrate: %w", err)
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGJob(r pgx.Row) (post.Job, error) {
	var (
		j                        post.Job
		content, targets, result []byte
		status                   string
		claimedAt                *time.Time
	)
	if err := r.Scan(&j.ID, &content, &targets, &j.ScheduledAt, &status, &result, &claimedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return post.Job{}, err
	}
	if err := decodeJSONColumns(&j, content, targets, result); err != nil {
		return post.Job{}, err
	}
	j.Status = post.Status(status)
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if claimedAt != nil {
		at := claimedAt.UTC()
		j.ClaimedAt = &at
	}
	return j, nil
}

func (s *pgStore) Create(ctx context.Context, job post.Job) error {
	e, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO crosspost_jobs(`+jobColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, e.content, e.targets, job.ScheduledAt, string(job.Status), e.results, job.ClaimedAt, job.CreatedAt, job.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (s *pgStore) Get(ctx context.Context, id string) (post.Job, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crosspost_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return post.Job{}, ErrNotFound
	}
	return j, err
}

func (s *pgStore) query(ctx context.Context, q string, args ...any) ([]post.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const pgOrder = ` ORDER BY scheduled_at, created_at, id`

func (s *pgStore) List(ctx context.Context, f Filter) ([]post.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM crosspost_jobs`
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	q += pgOrder
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return s.query(ctx, q, args...)
}

func (s *pgStore) ListDue(ctx context.Context, now time.Time, limit int) ([]post.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM crosspost_jobs
		WHERE status = 'pending' AND claimed_at IS NULL AND scheduled_at <= $1` + pgOrder
	args := []any{now}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *pgStore) TryClaim(ctx context.Context, id string, at time.Time) (post.Job, bool, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx,
		`UPDATE crosspost_jobs SET claimed_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'pending' AND claimed_at IS NULL
		 RETURNING `+jobColumns,
		id, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return post.Job{}, false, nil
	}
	if err != nil {
		return post.Job{}, false, err
	}
	return j, true, nil
}

func (s *pgStore) TryCancel(ctx context.Context, id string, at time.Time) (post.Job, bool, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx,
		`UPDATE crosspost_jobs SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status = 'pending' AND claimed_at IS NULL
		 RETURNING `+jobColumns,
		id, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return post.Job{}, false, nil
	}
	if err != nil {
		return post.Job{}, false, err
	}
	return j, true, nil
}

func (s *pgStore) WriteBack(ctx context.Context, job post.Job) error {
	e, err := encodeJob(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE crosspost_jobs SET status = $2, results = $3, updated_at = $4
		 WHERE id = $1 AND status = 'pending' AND claimed_at IS NOT NULL`,
		job.ID, string(job.Status), e.results, job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, job.ID); err != nil {
		return err
	}
	return ErrConflict
}

func (s *pgStore) ReleaseClaim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE crosspost_jobs SET claimed_at = NULL WHERE id = $1 AND status = 'pending' AND claimed_at IS NOT NULL`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *pgStore) ListClaimed(ctx context.Context, before time.Time) ([]post.Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM crosspost_jobs
		WHERE status = 'pending' AND claimed_at IS NOT NULL AND claimed_at <= $1`+pgOrder, before)
}

func (s *pgStore) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM crosspost_jobs WHERE status IN ('posted', 'failed', 'cancelled') AND updated_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crosspost_jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
