package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
scheduler:
  poll_interval: 10s
retry:
  max_retries: 0
  base_delay: 500ms
  max_delay: 5s
  backoff_factor: 2
rate_limits:
  targets:
    news-bot:
      max_requests: 5
      window: 1m
storage:
  driver: sqlite
  path: ./crosspost.db
targets:
  - id: news-bot
    kind: telegram
    telegram:
      token: "123:abc"
      chat_id: -1001234567890
  - id: hook
    kind: webhook
    webhook:
      url: https://example.com/hook
      secret: s3cret
  - id: sandbox
    kind: dryrun
maintenance:
  enabled: true
  schedule: "@every 10m"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("crosspost.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Retry.MaxRetries == nil || *cfg.Retry.MaxRetries != 0 {
		t.Fatalf("max_retries=%v, want explicit 0", cfg.Retry.MaxRetries)
	}
	if got := cfg.Targets[0].Telegram.ChatID; got != -1001234567890 {
		t.Fatalf("chat_id=%d", got)
	}
	if p := cfg.RateLimits.Targets["news-bot"]; p.MaxRequests != 5 || p.Window != "1m" {
		t.Fatalf("rate limit=%+v", p)
	}
	if !cfg.Admin.MetricsEnabled() {
		t.Fatalf("metrics should default on")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.yaml", []byte("logging:\n  levle: info\n")); err == nil {
		t.Fatalf("unknown yaml key accepted")
	}
	if _, err := Decode("c.json", []byte(`{"targets":[]} {"targets":[]}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: err=%v", err)
	}
	if _, err := Decode("c.json", []byte(`{"nope":1}`)); err == nil {
		t.Fatalf("unknown json key accepted")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Logging:    LoggingConfig{Level: "loud"},
		Scheduler:  SchedulerConfig{PollInterval: "soon"},
		RateLimits: RateLimitsConfig{Targets: map[string]PolicyConfig{"x": {MaxRequests: 0, Window: "1m"}}},
		Storage:    StorageConfig{Driver: "postgres"},
		Targets: []TargetConfig{
			{ID: "a", Kind: KindDryRun},
			{ID: "a", Kind: KindDryRun},
			{ID: "b", Kind: KindWebhook, Webhook: &WebhookTarget{URL: "ftp://x"}},
			{ID: "c", Kind: KindTelegram},
			{ID: "d", Kind: "carrier-pigeon"},
		},
		Maintenance: MaintenanceConfig{Enabled: true, Schedule: "every tuesday"},
	}
	err := cfg.Validate()
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("err=%T %v", err, err)
	}
	for _, want := range []string{
		"logging.level",
		"scheduler.poll_interval",
		"rate_limits.targets.x.max_requests",
		"storage.dsn",
		`duplicate target "a"`,
		"targets[b].webhook.url",
		"targets[c].telegram is required",
		"targets[d].kind",
		"maintenance.schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestValidateRequiresTargets(t *testing.T) {
	t.Parallel()

	if err := (&Config{}).Validate(); err == nil || !strings.Contains(err.Error(), "at least one target") {
		t.Fatalf("err=%v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	a, err := Decode("a.yaml", []byte(validYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b, _ := Decode("b.yaml", []byte(validYAML))
	b.Logging.Level = "info"
	b.Storage.Path = "./other.db"

	sections, attrs := SummarizeChange(a, b)
	if strings.Join(sections, ",") != "logging,storage" {
		t.Fatalf("sections=%v", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart=%v", got)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crosspost.yaml")
	writeFile(t, path, validYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Unchanged content publishes nothing.
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case <-sub:
		t.Fatalf("unchanged config published")
	default:
	}

	// Invalid content is rejected and the old config stays.
	writeFile(t, path, strings.Replace(validYAML, "level: debug", "level: shouty", 1))
	if err := m.Reload(context.Background()); err == nil {
		t.Fatalf("invalid config accepted")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed invalid config")
	}

	// The extra validator can veto.
	m.SetValidator(func(context.Context, *Config) error { return errors.New("vetoed") })
	writeFile(t, path, strings.Replace(validYAML, "level: debug", "level: info", 1))
	if err := m.Reload(context.Background()); err == nil || !strings.Contains(err.Error(), "vetoed") {
		t.Fatalf("err=%v", err)
	}
	m.SetValidator(nil)

	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "info" {
			t.Fatalf("level=%s", cfg.Logging.Level)
		}
	default:
		t.Fatalf("valid change not published")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crosspost.yaml")
	writeFile(t, path, validYAML)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and has seen a change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	body := strings.Replace(validYAML, "poll_interval: 10s", "poll_interval: 20s", 1)
	for {
		writeFile(t, path, body)
		select {
		case cfg := <-sub:
			if cfg.Scheduler.PollInterval != "20s" {
				t.Fatalf("poll_interval=%s", cfg.Scheduler.PollInterval)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-deadline:
			cancel()
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}

func TestExampleConfigValidates(t *testing.T) {
	t.Parallel()

	b, err := os.ReadFile(filepath.Join("..", "..", "crosspost.example.yaml"))
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	cfg, err := Decode("crosspost.example.yaml", b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAlertsTarget(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("c.yaml", []byte(validYAML+"alerts:\n  enabled: true\n  target: nowhere\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "alerts.target") {
		t.Fatalf("unknown alert target accepted: %v", err)
	}
	cfg.Alerts.Target = "hook"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
