package app

import (
	"strings"
	"time"

	"jobkit/internal/config"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func watchdogEnabled(cfg *config.Config) bool {
	return cfg.Watchdog.Enabled == nil || *cfg.Watchdog.Enabled
}

// mapPolicies builds the watchdog policies. Validate has already rejected
// unknown types and malformed durations.
func mapPolicies(cfg *config.Config) []jobkit.Policy {
	out := make([]jobkit.Policy, 0, len(cfg.Watchdog.Policies))
	for _, p := range cfg.Watchdog.Policies {
		switch strings.TrimSpace(p.Type) {
		case config.PolicyLimitedExecTime:
			d, _ := config.ParseDurationField("max_exec_time", p.MaxExecTime)
			out = append(out, jobkit.LimitedExecTimePolicy{MaxExecTime: d, Spools: p.Spools})
		case config.PolicyMaxQueueSize:
			out = append(out, jobkit.MaxSpoolQueueSizePolicy{MaxSize: p.MaxSize, Spools: p.Spools})
		case config.PolicyLimitedServiceExecTime:
			out = append(out, jobkit.LimitedServiceExecTimePolicy{WaitFactor: p.WaitFactor})
		}
	}
	return out
}

func mapShutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("engine.shutdown_timeout", cfg.Engine.ShutdownTimeout, config.DefaultShutdownTimeout)
	if err != nil {
		return config.DefaultShutdownTimeout
	}
	return d
}
