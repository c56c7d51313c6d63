package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"crosspost/internal/alert"
	"crosspost/internal/api"
	"crosspost/internal/config"
	"crosspost/internal/dispatch"
	"crosspost/internal/maintenance"
	"crosspost/internal/ratelimit"
	"crosspost/internal/retry"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/transport"
	"crosspost/internal/transport/dryrun"
	"crosspost/internal/transport/telegram"
	"crosspost/internal/transport/webhook"
	"crosspost/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxConns:     sc.MaxConns,
		CompactEvery: sc.CompactEvery,
	}, nil
}

func mapRetry(cfg *config.Config) (retry.Config, error) {
	rc := retry.DefaultConfig()
	if cfg.Retry.MaxRetries != nil {
		rc.MaxRetries = *cfg.Retry.MaxRetries
	}
	var err error
	if rc.BaseDelay, err = config.ParseDurationOr("retry.base_delay", cfg.Retry.BaseDelay, rc.BaseDelay); err != nil {
		return retry.Config{}, err
	}
	if rc.MaxDelay, err = config.ParseDurationOr("retry.max_delay", cfg.Retry.MaxDelay, rc.MaxDelay); err != nil {
		return retry.Config{}, err
	}
	if cfg.Retry.BackoffFactor != 0 {
		rc.BackoffFactor = cfg.Retry.BackoffFactor
	}
	rc.Jitter = cfg.Retry.Jitter
	if err := rc.Validate(); err != nil {
		return retry.Config{}, fmt.Errorf("retry: %w", err)
	}
	return rc, nil
}

func mapPolicy(path string, p config.PolicyConfig) (ratelimit.Policy, error) {
	w, err := config.ParseDuration(path+".window", p.Window)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	return ratelimit.Policy{MaxRequests: p.MaxRequests, Window: w}, nil
}

func mapRateTable(cfg *config.Config) (ratelimit.Table, error) {
	var def ratelimit.Policy
	if p := cfg.RateLimits.Default; p != nil {
		var err error
		if def, err = mapPolicy("rate_limits.default", *p); err != nil {
			return ratelimit.Table{}, err
		}
	}
	overrides := make(map[string]ratelimit.Policy, len(cfg.RateLimits.Targets))
	for id, p := range cfg.RateLimits.Targets {
		rp, err := mapPolicy("rate_limits.targets."+id, p)
		if err != nil {
			return ratelimit.Table{}, err
		}
		overrides[id] = rp
	}
	return ratelimit.NewTable(def, overrides)
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	publish, err := config.ParseDuration("dispatch.publish_timeout", dc.PublishTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{
		Concurrency:    dc.Concurrency,
		PublishTimeout: publish,
		Circuit:        dispatch.CircuitConfig{TripFailures: dc.Circuit.TripFailures},
	}
	for _, d := range []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"dispatch.circuit.base_cooldown", dc.Circuit.BaseCooldown, &out.Circuit.BaseCooldown},
		{"dispatch.circuit.max_cooldown", dc.Circuit.MaxCooldown, &out.Circuit.MaxCooldown},
		{"dispatch.circuit.reset_after", dc.Circuit.ResetAfter, &out.Circuit.ResetAfter},
	} {
		if *d.dst, err = config.ParseDuration(d.path, d.raw); err != nil {
			return dispatch.Config{}, err
		}
	}
	return out, nil
}

// mapScheduler also returns the shutdown drain timeout (default 30s).
func mapScheduler(cfg *config.Config) (scheduler.Config, time.Duration, error) {
	sc := cfg.Scheduler
	poll, err := config.ParseDuration("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	write, err := config.ParseDuration("scheduler.write_timeout", sc.WriteTimeout)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	drain, err := config.ParseDurationOr("scheduler.shutdown_timeout", sc.ShutdownTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, 0, err
	}
	return scheduler.Config{PollInterval: poll, BatchSize: sc.BatchSize, WriteTimeout: write}, drain, nil
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, error) {
	mc := cfg.Maintenance
	out := maintenance.Config{Schedule: strings.TrimSpace(mc.Schedule)}
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}

	// An explicit zero retention keeps finished jobs forever; empty means 30 days.
	out.Retention = 720 * time.Hour
	if strings.TrimSpace(mc.Retention) != "" {
		d, err := config.ParseDuration("maintenance.retention", mc.Retention)
		if err != nil {
			return maintenance.Config{}, err
		}
		out.Retention = d
	}
	var err error
	if out.OrphanAfter, err = config.ParseDuration("maintenance.orphan_after", mc.OrphanAfter); err != nil {
		return maintenance.Config{}, err
	}
	if out.ReclaimAfter, err = config.ParseDuration("maintenance.reclaim_after", mc.ReclaimAfter); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

func mapAdmin(cfg *config.Config) (api.ServerConfig, error) {
	ac := cfg.Admin
	out := api.ServerConfig{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDuration("admin.read_timeout", ac.ReadTimeout); err != nil {
		return api.ServerConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDuration("admin.write_timeout", ac.WriteTimeout); err != nil {
		return api.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDuration("admin.idle_timeout", ac.IdleTimeout); err != nil {
		return api.ServerConfig{}, err
	}
	return out, nil
}

func mapAlerts(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alerts
	dedup, err := config.ParseDuration("alerts.dedup_window", ac.DedupWindow)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Target:      strings.TrimSpace(ac.Target),
		PerMinute:   ac.PerMinute,
		DedupWindow: dedup,
		History:     ac.History,
	}, nil
}

// redisSettings is the stats mirror wiring; nil options mean no mirror.
type redisSettings struct {
	opts      *redis.Options
	prefix    string
	retention time.Duration
	buffer    int
}

func mapRedis(cfg *config.Config) (redisSettings, error) {
	rc := cfg.Stats.Redis
	if rc == nil {
		return redisSettings{}, nil
	}
	ret, err := config.ParseDuration("stats.redis.retention", rc.Retention)
	if err != nil {
		return redisSettings{}, err
	}
	return redisSettings{
		opts: &redis.Options{
			Addr:     strings.TrimSpace(rc.Addr),
			Password: rc.Password,
			DB:       rc.DB,
		},
		prefix:    rc.Prefix,
		retention: ret,
		buffer:    rc.Buffer,
	}, nil
}

// buildRegistry constructs one adapter per configured target.
func buildRegistry(cfg *config.Config, log logx.Logger) (*transport.Registry, error) {
	reg := transport.NewRegistry()
	client := &http.Client{}
	for _, t := range cfg.Targets {
		id := strings.TrimSpace(t.ID)
		a, err := buildAdapter(t, client, log.With(logx.Target(id)))
		if err != nil {
			return nil, fmt.Errorf("targets[%s]: %w", id, err)
		}
		if err := reg.Register(id, a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildAdapter(t config.TargetConfig, client *http.Client, log logx.Logger) (transport.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(t.Kind)) {
	case config.KindTelegram:
		tc := t.Telegram
		if tc == nil {
			return nil, fmt.Errorf("telegram block is required")
		}
		timeout, err := config.ParseDuration("telegram.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:          tc.Token,
			ChatID:         tc.ChatID,
			ThreadID:       tc.ThreadID,
			Username:       tc.Username,
			ParseMode:      tc.ParseMode,
			DisablePreview: tc.DisablePreview,
			RatePerSec:     tc.RatePerSec,
			APIURL:         tc.APIURL,
			Timeout:        timeout,
		}, log)
	case config.KindWebhook:
		wc := t.Webhook
		if wc == nil {
			return nil, fmt.Errorf("webhook block is required")
		}
		timeout, err := config.ParseDuration("webhook.timeout", wc.Timeout)
		if err != nil {
			return nil, err
		}
		return webhook.New(webhook.Config{
			URL:     wc.URL,
			Secret:  wc.Secret,
			Headers: wc.Headers,
			Timeout: timeout,
		}, client)
	case config.KindDryRun:
		var dc config.DryRunTarget
		if t.DryRun != nil {
			dc = *t.DryRun
		}
		latency, err := config.ParseDuration("dryrun.latency", dc.Latency)
		if err != nil {
			return nil, err
		}
		return dryrun.New(dryrun.Config{
			Latency:    latency,
			FailTimes:  dc.FailTimes,
			FailStatus: dc.FailStatus,
			URLPrefix:  dc.URLPrefix,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", t.Kind)
	}
}
