package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/pkg/logx"
)

// ValidationErrors collects every problem found in a config so an operator
// can fix them in one pass.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return "invalid config: " + v[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(v), strings.Join(v, "; "))
}

func (v *ValidationErrors) add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v *ValidationErrors) check(err error) {
	if err != nil {
		*v = append(*v, err.Error())
	}
}

// CronParser accepts 5- or 6-field specs and descriptors like "@every 10m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks structure, durations and cross-field rules. Semantic
// checks owned by other packages (retry bounds, rate policies) run when the
// app builds its components.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" {
		if !logx.ValidLevel(lv) {
			errs.add("logging.level: unknown level %q", lv)
		}
	}

	for path, raw := range map[string]string{
		"scheduler.poll_interval":        c.Scheduler.PollInterval,
		"scheduler.write_timeout":        c.Scheduler.WriteTimeout,
		"scheduler.shutdown_timeout":     c.Scheduler.ShutdownTimeout,
		"dispatch.publish_timeout":       c.Dispatch.PublishTimeout,
		"dispatch.circuit.base_cooldown": c.Dispatch.Circuit.BaseCooldown,
		"dispatch.circuit.max_cooldown":  c.Dispatch.Circuit.MaxCooldown,
		"dispatch.circuit.reset_after":   c.Dispatch.Circuit.ResetAfter,
		"retry.base_delay":               c.Retry.BaseDelay,
		"retry.max_delay":                c.Retry.MaxDelay,
		"storage.busy_timeout":           c.Storage.BusyTimeout,
		"maintenance.retention":          c.Maintenance.Retention,
		"maintenance.orphan_after":       c.Maintenance.OrphanAfter,
		"maintenance.reclaim_after":      c.Maintenance.ReclaimAfter,
		"admin.read_timeout":             c.Admin.ReadTimeout,
		"admin.write_timeout":            c.Admin.WriteTimeout,
		"admin.idle_timeout":             c.Admin.IdleTimeout,
	} {
		_, err := ParseDuration(path, raw)
		errs.check(err)
	}

	if c.Scheduler.BatchSize < 0 {
		errs.add("scheduler.batch_size must be >= 0")
	}
	if c.Dispatch.Concurrency < 0 {
		errs.add("dispatch.concurrency must be >= 0")
	}
	if c.Dispatch.Circuit.TripFailures < 0 {
		errs.add("dispatch.circuit.trip_failures must be >= 0")
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		errs.add("retry.max_retries must be >= 0")
	}

	if p := c.RateLimits.Default; p != nil {
		validatePolicy(&errs, "rate_limits.default", *p)
	}
	for id, p := range c.RateLimits.Targets {
		validatePolicy(&errs, "rate_limits.targets."+id, p)
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs.add("storage.path is required when storage.driver=%s", d)
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs.add("storage.dsn is required when storage.driver=%s", d)
		}
	default:
		errs.add("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if len(c.Targets) == 0 {
		errs.add("targets: at least one target is required")
	}
	seen := map[string]bool{}
	for i, t := range c.Targets {
		validateTarget(&errs, i, t, seen)
	}

	if c.Maintenance.Enabled {
		spec := strings.TrimSpace(c.Maintenance.Schedule)
		if spec != "" {
			if _, err := CronParser.Parse(spec); err != nil {
				errs.add("maintenance.schedule: %v", err)
			}
		}
		if tz := strings.TrimSpace(c.Maintenance.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				errs.add("maintenance.timezone: invalid %q", tz)
			}
		}
	}

	if a := c.Alerts; a.Enabled {
		target := strings.TrimSpace(a.Target)
		if target == "" {
			errs.add("alerts.target is required when alerts.enabled")
		} else if !seen[target] {
			errs.add("alerts.target: unknown target %q", target)
		}
		if a.PerMinute < 0 {
			errs.add("alerts.per_minute must be >= 0")
		}
		if a.History < 0 {
			errs.add("alerts.history must be >= 0")
		}
		_, err := ParseDuration("alerts.dedup_window", a.DedupWindow)
		errs.check(err)
	}

	if r := c.Stats.Redis; r != nil {
		if strings.TrimSpace(r.Addr) == "" {
			errs.add("stats.redis.addr is required when stats.redis is set")
		}
		_, err := ParseDuration("stats.redis.retention", r.Retention)
		errs.check(err)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validatePolicy(errs *ValidationErrors, path string, p PolicyConfig) {
	if p.MaxRequests <= 0 {
		errs.add("%s.max_requests must be > 0", path)
	}
	w, err := ParseDuration(path+".window", p.Window)
	if err != nil {
		errs.check(err)
	} else if w <= 0 {
		errs.add("%s.window must be > 0", path)
	}
}

func validateTarget(errs *ValidationErrors, i int, t TargetConfig, seen map[string]bool) {
	path := fmt.Sprintf("targets[%d]", i)
	id := strings.TrimSpace(t.ID)
	if id == "" {
		errs.add("%s.id is required", path)
	} else {
		if seen[id] {
			errs.add("%s.id: duplicate target %q", path, id)
		}
		seen[id] = true
		path = fmt.Sprintf("targets[%s]", id)
	}

	blocks := 0
	for _, present := range []bool{t.Telegram != nil, t.Webhook != nil, t.DryRun != nil} {
		if present {
			blocks++
		}
	}
	if blocks > 1 {
		errs.add("%s: only the block matching kind may be set", path)
	}

	switch t.Kind {
	case KindTelegram:
		tg := t.Telegram
		if tg == nil {
			errs.add("%s.telegram is required for kind=telegram", path)
			return
		}
		if strings.TrimSpace(tg.Token) == "" {
			errs.add("%s.telegram.token is required", path)
		}
		if tg.ChatID == 0 {
			errs.add("%s.telegram.chat_id is required", path)
		}
		_, err := ParseDuration(path+".telegram.timeout", tg.Timeout)
		errs.check(err)
	case KindWebhook:
		wh := t.Webhook
		if wh == nil {
			errs.add("%s.webhook is required for kind=webhook", path)
			return
		}
		u, err := url.Parse(strings.TrimSpace(wh.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.add("%s.webhook.url must be an absolute http(s) URL", path)
		}
		_, err = ParseDuration(path+".webhook.timeout", wh.Timeout)
		errs.check(err)
	case KindDryRun:
		if t.DryRun != nil {
			_, err := ParseDuration(path+".dryrun.latency", t.DryRun.Latency)
			errs.check(err)
			if t.DryRun.FailTimes < 0 {
				errs.add("%s.dryrun.fail_times must be >= 0", path)
			}
		}
	default:
		errs.add("%s.kind: unknown kind %q", path, t.Kind)
	}
}
