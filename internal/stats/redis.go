package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/post"
)

// RedisMirror keeps shared counters in Redis hashes so several processes
// (or a dashboard) can read them:
//
//	<prefix>:totals              dispatched, succeeded, failed
//	<prefix>:target:<id>         attempts, successes, failures, publish_calls
//	<prefix>:daily:<yyyymmdd>    same totals per UTC day, expiring after Retention
type RedisMirror struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

func NewRedisMirror(client redis.Cmdable, prefix string, retention time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "crosspost:stats"
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisMirror{client: client, prefix: prefix, retention: retention}
}

func (m *RedisMirror) Record(ctx context.Context, job post.Job) error {
	outcome := "succeeded"
	if job.Status != post.StatusPosted {
		outcome = "failed"
	}
	daily := m.dailyKey(job.UpdatedAt)

	pipe := m.client.Pipeline()
	pipe.HIncrBy(ctx, m.prefix+":totals", "dispatched", 1)
	pipe.HIncrBy(ctx, m.prefix+":totals", outcome, 1)
	pipe.HIncrBy(ctx, daily, "dispatched", 1)
	pipe.HIncrBy(ctx, daily, outcome, 1)
	pipe.Expire(ctx, daily, m.retention)
	for _, r := range job.Results {
		key := m.targetKey(r.Target)
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.HIncrBy(ctx, key, "publish_calls", int64(r.Attempts))
		if r.Success {
			pipe.HIncrBy(ctx, key, "successes", 1)
		} else {
			pipe.HIncrBy(ctx, key, "failures", 1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (m *RedisMirror) targetKey(target string) string {
	return m.prefix + ":target:" + target
}

func (m *RedisMirror) dailyKey(t time.Time) string {
	return m.prefix + ":daily:" + t.UTC().Format("20060102")
}
