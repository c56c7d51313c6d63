package storage

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/post"
)

var (
	ErrNotFound = errors.New("storage: job not found")
	ErrExists   = errors.New("storage: job already exists")
	// ErrConflict is returned by WriteBack when the stored job is no longer
	// a claimed pending job.
	ErrConflict = errors.New("storage: job not in claimed state")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process only
//   - "file": Path is the snapshot file; the journal sits next to it
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq/pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres pool size; 0 means pgx default
	// CompactEvery is the journal length that triggers a snapshot (file
	// driver, default 1000).
	CompactEvery int
}

// Filter narrows List. Zero value lists everything.
type Filter struct {
	Status post.Status
	Limit  int
}

// Store is the persistence boundary of the scheduler. Implementations return
// copies; mutating a returned job never changes stored state.
type Store interface {
	Create(ctx context.Context, job post.Job) error
	Get(ctx context.Context, id string) (post.Job, error)
	// List returns jobs ordered by ScheduledAt then CreatedAt.
	List(ctx context.Context, f Filter) ([]post.Job, error)
	// ListDue returns pending, unclaimed jobs with ScheduledAt <= now,
	// oldest first. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]post.Job, error)

	// TryClaim atomically marks a pending, unclaimed job as claimed at at.
	// It reports false when the job is missing, terminal or already claimed.
	TryClaim(ctx context.Context, id string, at time.Time) (post.Job, bool, error)
	// TryCancel atomically moves a pending, unclaimed job to cancelled.
	TryCancel(ctx context.Context, id string, at time.Time) (post.Job, bool, error)
	// WriteBack stores the final status and results of a claimed job.
	WriteBack(ctx context.Context, job post.Job) error
	// ReleaseClaim clears the claim of a pending job so it can run again.
	ReleaseClaim(ctx context.Context, id string) (bool, error)

	// ListClaimed returns pending jobs claimed at or before before.
	ListClaimed(ctx context.Context, before time.Time) ([]post.Job, error)
	// DeleteFinished removes terminal jobs last updated before before.
	DeleteFinished(ctx context.Context, before time.Time) (int, error)
	Delete(ctx context.Context, id string) (bool, error)

	Close() error
}
