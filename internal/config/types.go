package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is converted to JSON before strict decoding, so unknown keys are errors in
// either format.
//
// All durations are Go duration strings ("500ms", "30s", "24h").
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Retry       RetryConfig       `json:"retry"`
	RateLimits  RateLimitsConfig  `json:"rate_limits"`
	Storage     StorageConfig     `json:"storage"`
	Targets     []TargetConfig    `json:"targets"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Admin       AdminConfig       `json:"admin"`
	Stats       StatsConfig       `json:"stats"`
	Alerts      AlertsConfig      `json:"alerts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the poll loop.
//
// Defaults: poll_interval 30s, batch_size 100, write_timeout 10s,
// shutdown_timeout 30s.
type SchedulerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type DispatchConfig struct {
	Concurrency    int           `json:"concurrency,omitempty"`     // default 8
	PublishTimeout string        `json:"publish_timeout,omitempty"` // default 30s
	Circuit        CircuitConfig `json:"circuit"`
}

// CircuitConfig is off while trip_failures is 0.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseCooldown string `json:"base_cooldown,omitempty"`
	MaxCooldown  string `json:"max_cooldown,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// RetryConfig falls back to 3 retries, 1s base, 30s cap, factor 2.
// MaxRetries is a pointer so an explicit 0 disables retries.
type RetryConfig struct {
	MaxRetries    *int    `json:"max_retries,omitempty"`
	BaseDelay     string  `json:"base_delay,omitempty"`
	MaxDelay      string  `json:"max_delay,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
	Jitter        float64 `json:"jitter,omitempty"`
}

// RateLimitsConfig overrides the built-in per-platform table.
//
// Example:
//
//	"rate_limits": {
//	  "default": { "max_requests": 60, "window": "1m" },
//	  "targets": { "mastodon": { "max_requests": 100, "window": "5m" } }
//	}
type RateLimitsConfig struct {
	Default *PolicyConfig           `json:"default,omitempty"`
	Targets map[string]PolicyConfig `json:"targets,omitempty"`
}

type PolicyConfig struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
}

// StorageConfig selects the job store. An empty driver means memory.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxConns     int32  `json:"max_conns,omitempty"`
	CompactEvery int    `json:"compact_every,omitempty"`
}

// TargetConfig binds a target id to an adapter. Exactly the block matching
// Kind must be present.
type TargetConfig struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Telegram *TelegramTarget `json:"telegram,omitempty"`
	Webhook  *WebhookTarget  `json:"webhook,omitempty"`
	DryRun   *DryRunTarget   `json:"dryrun,omitempty"`
}

const (
	KindTelegram = "telegram"
	KindWebhook  = "webhook"
	KindDryRun   = "dryrun"
)

type TelegramTarget struct {
	Token          string `json:"token"`
	ChatID         int64  `json:"chat_id"`
	ThreadID       int    `json:"thread_id,omitempty"`
	Username       string `json:"username,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	APIURL         string `json:"api_url,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

type WebhookTarget struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type DryRunTarget struct {
	Latency    string `json:"latency,omitempty"`
	FailTimes  int    `json:"fail_times,omitempty"`
	FailStatus int    `json:"fail_status,omitempty"`
	URLPrefix  string `json:"url_prefix,omitempty"`
}

// MaintenanceConfig drives the cron sweep. reclaim_after 0 keeps orphaned
// claims untouched; a positive value re-queues them, which can publish a
// post twice if the original execution did reach a target.
type MaintenanceConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule,omitempty"`      // cron spec, default "@every 10m"
	Timezone     string `json:"timezone,omitempty"`      // default Local
	Retention    string `json:"retention,omitempty"`     // default 720h; 0s keeps forever
	OrphanAfter  string `json:"orphan_after,omitempty"`  // default 15m
	ReclaimAfter string `json:"reclaim_after,omitempty"` // default 0s (off)
}

// AdminConfig controls the HTTP server for /healthz, /metrics, the JSON API
// and optional pprof endpoints.
//
// Security note: binding a non-loopback address requires a token or
// allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:8080
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true
	Pprof         bool   `json:"pprof,omitempty"`   // mounts /debug/pprof/
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// MetricsEnabled reports whether /metrics is served.
func (a AdminConfig) MetricsEnabled() bool { return a.Metrics == nil || *a.Metrics }

type StatsConfig struct {
	Redis *RedisConfig `json:"redis,omitempty"`
}

// RedisConfig mirrors stats counters into Redis hashes.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Retention string `json:"retention,omitempty"`
	Buffer    int    `json:"buffer,omitempty"`
}

// AlertsConfig sends a short message to Target whenever a job fails.
// Target must be one of the configured target ids.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Target      string `json:"target,omitempty"`
	PerMinute   int    `json:"per_minute,omitempty"`   // default 6
	DedupWindow string `json:"dedup_window,omitempty"` // default 10m
	History     int    `json:"history,omitempty"`      // default 50
}
