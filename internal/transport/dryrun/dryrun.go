// Package dryrun is an adapter that publishes nowhere. It logs each post and
// can be scripted to fail, which makes it useful for staging configs.
package dryrun

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/post"
	"crosspost/internal/transport"
	"crosspost/pkg/logx"
)

type Config struct {
	// Latency is slept before answering.
	Latency time.Duration
	// FailTimes makes the first N publishes per target fail with FailStatus.
	FailTimes  int
	FailStatus int
	// URLPrefix, when set, is joined with the id to form receipt URLs.
	URLPrefix string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	mu    sync.Mutex
	calls map[string]int
}

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = 503
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, calls: make(map[string]int)}
}

func (a *Adapter) Publish(ctx context.Context, target string, content post.Content) (transport.Receipt, error) {
	if a.cfg.Latency > 0 {
		t := time.NewTimer(a.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return transport.Receipt{}, transport.NetworkError(ctx.Err())
		case <-t.C:
		}
	}

	a.mu.Lock()
	a.calls[target]++
	n := a.calls[target]
	a.mu.Unlock()

	if n <= a.cfg.FailTimes {
		a.log.Info("dryrun: scripted failure", logx.Target(target), logx.Int("call", n), logx.Int("status", a.cfg.FailStatus))
		return transport.Receipt{}, transport.StatusError(a.cfg.FailStatus, "scripted failure")
	}

	id := uuid.NewString()
	a.log.Info("dryrun: publish",
		logx.Target(target),
		logx.String("external_id", id),
		logx.Int("text_len", len(content.Text)),
		logx.Int("media", len(content.MediaURLs)),
	)
	r := transport.Receipt{ExternalID: id}
	if a.cfg.URLPrefix != "" {
		r.URL = a.cfg.URLPrefix + id
	}
	return r, nil
}

// Calls reports how many publishes target has received.
func (a *Adapter) Calls(target string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[target]
}
