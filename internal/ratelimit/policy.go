package ratelimit

import (
	"fmt"
	"time"
)

// Policy admits at most MaxRequests within any sliding Window.
type Policy struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be > 0, got %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be > 0, got %s", p.Window)
	}
	return nil
}

// DefaultPolicy applies to targets missing from the table.
var DefaultPolicy = Policy{MaxRequests: 60, Window: time.Minute}

// DefaultPolicies mirrors the published posting limits of common platforms.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"twitter":   {MaxRequests: 300, Window: 15 * time.Minute},
		"linkedin":  {MaxRequests: 100, Window: 24 * time.Hour},
		"facebook":  {MaxRequests: 200, Window: time.Hour},
		"instagram": {MaxRequests: 25, Window: 24 * time.Hour},
		"mastodon":  {MaxRequests: 300, Window: 5 * time.Minute},
		"bluesky":   {MaxRequests: 1666, Window: time.Hour},
		"telegram":  {MaxRequests: 20, Window: time.Minute},
	}
}

// Table resolves a target to its policy.
type Table struct {
	Default  Policy
	ByTarget map[string]Policy
}

// NewTable merges overrides on top of DefaultPolicies and validates the
// result.
func NewTable(def Policy, overrides map[string]Policy) (Table, error) {
	if def == (Policy{}) {
		def = DefaultPolicy
	}
	if err := def.Validate(); err != nil {
		return Table{}, fmt.Errorf("ratelimit: default: %w", err)
	}
	by := DefaultPolicies()
	for id, p := range overrides {
		if err := p.Validate(); err != nil {
			return Table{}, fmt.Errorf("ratelimit: %s: %w", id, err)
		}
		by[id] = p
	}
	return Table{Default: def, ByTarget: by}, nil
}

func (t Table) For(target string) Policy {
	if p, ok := t.ByTarget[target]; ok {
		return p
	}
	return t.Default
}
