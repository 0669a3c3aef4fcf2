package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobkit/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields describing them. Secrets (tokens, DSNs, passwords) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.String("engine.shutdown_timeout", newCfg.Engine.ShutdownTimeout))
	}
	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Int("watchdog.policies", len(newCfg.Watchdog.Policies)))
	}

	diff := DiffServices(oldCfg.Services, newCfg.Services)
	if !diff.Empty() {
		changed = append(changed, "services")
		attrs = append(attrs,
			logx.Any("services.added", diff.AddedNames()),
			logx.Any("services.removed", diff.RemovedNames()),
			logx.Any("services.changed", diff.ChangedNames()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.DriverName()))
	}

	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		(strings.TrimSpace(oldCfg.HTTP.Token) != "") != (strings.TrimSpace(newCfg.HTTP.Token) != "") ||
		oldCfg.HTTP.ReadTimeout != newCfg.HTTP.ReadTimeout ||
		oldCfg.HTTP.IdleTimeout != newCfg.HTTP.IdleTimeout {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	return changed, attrs
}

// ServiceDiff groups services by what happened to them between two configs.
type ServiceDiff struct {
	Added   []ServiceConfig
	Removed []ServiceConfig
	Changed []ServiceConfig // new version
}

func (d ServiceDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func (d ServiceDiff) AddedNames() []string   { return serviceNames(d.Added) }
func (d ServiceDiff) RemovedNames() []string { return serviceNames(d.Removed) }
func (d ServiceDiff) ChangedNames() []string { return serviceNames(d.Changed) }

func serviceNames(list []ServiceConfig) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Name)
	}
	return out
}

// DiffServices matches services by name. Output lists are sorted by name.
func DiffServices(oldList, newList []ServiceConfig) ServiceDiff {
	oldByName := make(map[string]ServiceConfig, len(oldList))
	for _, s := range oldList {
		oldByName[s.Name] = s
	}
	var d ServiceDiff
	seen := make(map[string]bool, len(newList))
	for _, s := range newList {
		seen[s.Name] = true
		prev, ok := oldByName[s.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, s)
		case !reflect.DeepEqual(prev, s):
			d.Changed = append(d.Changed, s)
		}
	}
	for _, s := range oldList {
		if !seen[s.Name] {
			d.Removed = append(d.Removed, s)
		}
	}
	for _, l := range [][]ServiceConfig{d.Added, d.Removed, d.Changed} {
		sort.Slice(l, func(i, j int) bool { return l[i].Name < l[j].Name })
	}
	return d
}
