package config

import (
	"strings"
	"time"
)

// Config is the jobkitd configuration file (.json, .yaml or .yml).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Engine   EngineConfig    `json:"engine,omitempty"`
	Watchdog WatchdogConfig  `json:"watchdog,omitempty"`
	Services []ServiceConfig `json:"services,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the job engine.
//
// Defaults:
//   - shutdown_timeout: "30s"
type EngineConfig struct {
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// WatchdogConfig lists the policies checked against every spool.
// Enabled is a pointer so an omitted section means enabled.
type WatchdogConfig struct {
	Enabled  *bool          `json:"enabled,omitempty"`
	Policies []PolicyConfig `json:"policies,omitempty"`
}

// Policy types.
const (
	PolicyLimitedExecTime        = "limited_exec_time"
	PolicyMaxQueueSize           = "max_queue_size"
	PolicyLimitedServiceExecTime = "limited_service_exec_time"
)

// PolicyConfig describes one watchdog policy.
//
// Example:
//
//	{ "type": "limited_exec_time", "max_exec_time": "5m", "spools": ["ingest"] }
type PolicyConfig struct {
	Type        string   `json:"type"`
	MaxExecTime string   `json:"max_exec_time,omitempty"`
	MaxSize     int      `json:"max_size,omitempty"`
	WaitFactor  float64  `json:"wait_factor,omitempty"`
	Spools      []string `json:"spools,omitempty"`
}

// ServiceConfig declares a background service running an external command.
//
// Schedule accepts a duration ("5m"), HH:MM ("01:30") or cron ("*/5 * * * *").
// Enabled defaults to true; RetryFactor 0 keeps the default of 1.
type ServiceConfig struct {
	Name         string   `json:"name"`
	Spool        string   `json:"spool"`
	Schedule     string   `json:"schedule"`
	Command      []string `json:"command"`
	Dir          string   `json:"dir,omitempty"`
	Env          []string `json:"env,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	RetryFactor  float64  `json:"retry_factor,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
	RunOnStartup bool     `json:"run_on_startup,omitempty"`
}

func (s ServiceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// TimeoutDuration returns the command timeout; 0 means none. Validate
// rejects malformed values, so errors are ignored here.
func (s ServiceConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDurationField("timeout", s.Timeout)
	return d
}

// Storage drivers.
const (
	DriverNone     = "none"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StorageConfig controls where end-events and watchdog reports are kept.
//
// Examples:
//
//	"storage": { "driver": "sqlite", "path": "./jobkit.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://jobkit@localhost/jobkit" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "key": "jobkit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	Key         string `json:"key,omitempty"`
	MaxEvents   int    `json:"max_events,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DriverName returns the normalized driver; empty means none.
func (s *StorageConfig) DriverName() string {
	if s == nil {
		return DriverNone
	}
	d := strings.ToLower(strings.TrimSpace(s.Driver))
	if d == "" {
		return DriverNone
	}
	return d
}

// HTTPConfig controls the admin API.
//
// Prefer binding to localhost. A non-loopback address requires a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
