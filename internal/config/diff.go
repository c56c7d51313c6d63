package config

import (
	"reflect"
	"sort"
	"strings"

	"crosspost/pkg/logx"
)

// LiveSections are applied on reload; every other section needs a restart.
var LiveSections = map[string]bool{"logging": true, "rate_limits": true}

// SummarizeChange lists the top-level sections that differ and safe fields
// describing them. Secrets (tokens, DSNs, passwords) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateLimits, newCfg.RateLimits) {
		changed = append(changed, "rate_limits")
		attrs = append(attrs, logx.Int("rate_limits.overrides", len(newCfg.RateLimits.Targets)))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
	}
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
	}
	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		attrs = append(attrs, logx.Strings("targets", targetIDs(newCfg.Targets)))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Stats, newCfg.Stats) {
		changed = append(changed, "stats")
	}
	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func targetIDs(ts []TargetConfig) []string {
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		ids = append(ids, t.ID)
	}
	return ids
}
