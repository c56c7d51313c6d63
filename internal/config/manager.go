package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"crosspost/pkg/logx"
)

// Manager holds the committed config and fans out reloads.
type Manager struct {
	path     string
	debounce time.Duration
	log      logx.Logger
	check    func(ctx context.Context, cfg *Config) error

	mu  sync.RWMutex
	cur *Config
	sum uint64

	// subMu is held across sends so Unsubscribe cannot close a channel
	// that publish is writing to.
	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:     path,
		debounce: 250 * time.Millisecond,
		log:      logx.Nop(),
		subs:     make(map[chan *Config]struct{}),
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator adds a veto that Reload runs after Validate. nil removes it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Parse reads and decodes the file without validating or committing it.
func (m *Manager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, data)
}

// Load is Parse, Validate and Commit. Subscribers are not notified.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.cur, m.sum = cfg, sum
	m.mu.Unlock()
}

// Get returns the committed config. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// fingerprint is 0 when cfg cannot be hashed; 0 never matches.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}

// Subscribe returns a channel that receives every committed reload. A slow
// reader only ever sees the newest configs that fit its buffer.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch: // evict the oldest pending config
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Reload re-reads the file and, when it changed and passes validation,
// commits and publishes it.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	sum := fingerprint(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.check != nil {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.check(cctx, cfg); err != nil {
			return fmt.Errorf("config rejected: %w", err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.String("sum", fmt.Sprintf("%016x", sum)))
	return nil
}
