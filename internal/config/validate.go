package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"jobkit/pkg/jobkit"
)

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultMaxEvents       = 1000
	DefaultStoreKey        = "jobkit"
)

// ParseDurationField parses an optional, non-negative duration.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Engine.ShutdownTimeout) == "" {
		cfg.Engine.ShutdownTimeout = DefaultShutdownTimeout.String()
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.Storage != nil {
		if cfg.Storage.MaxEvents <= 0 {
			cfg.Storage.MaxEvents = DefaultMaxEvents
		}
		if strings.TrimSpace(cfg.Storage.Key) == "" {
			cfg.Storage.Key = DefaultStoreKey
		}
	}
	for i := range cfg.Services {
		if strings.TrimSpace(cfg.Services[i].Spool) == "" {
			cfg.Services[i].Spool = cfg.Services[i].Name
		}
	}
}

// Validate reports every problem found in cfg, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("engine.shutdown_timeout", cfg.Engine.ShutdownTimeout)
	add(err)

	for i, p := range cfg.Watchdog.Policies {
		add(validatePolicy(fmt.Sprintf("watchdog.policies[%d]", i), p))
	}

	seen := map[string]bool{}
	for i, s := range cfg.Services {
		path := fmt.Sprintf("services[%d]", i)
		name := strings.TrimSpace(s.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			add(fmt.Errorf("%s.name: duplicate service %q", path, name))
		}
		seen[name] = true
		if _, err := jobkit.ParseSchedule(s.Schedule); err != nil {
			add(fmt.Errorf("%s.schedule: %w", path, err))
		}
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			add(fmt.Errorf("%s.command: required", path))
		}
		_, err := ParseDurationField(path+".timeout", s.Timeout)
		add(err)
		if s.RetryFactor < 0 {
			add(fmt.Errorf("%s.retry_factor: must be > 0", path))
		}
	}

	add(validateStorage(cfg.Storage))
	add(validateHTTP(cfg.HTTP))
	return errors.Join(errs...)
}

func validatePolicy(path string, p PolicyConfig) error {
	switch strings.TrimSpace(p.Type) {
	case PolicyLimitedExecTime:
		d, err := ParseDurationField(path+".max_exec_time", p.MaxExecTime)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("%s.max_exec_time: required", path)
		}
	case PolicyMaxQueueSize:
		if p.MaxSize < 0 {
			return fmt.Errorf("%s.max_size: must be >= 0", path)
		}
	case PolicyLimitedServiceExecTime:
		if p.WaitFactor < 0 {
			return fmt.Errorf("%s.wait_factor: must be > 0", path)
		}
	default:
		return fmt.Errorf("%s.type: unknown policy %q", path, p.Type)
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.DriverName() {
	case DriverNone:
		return nil
	case DriverFile, DriverSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path: required for driver %q", s.Driver)
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		return err
	case DriverPostgres:
		if strings.TrimSpace(s.DSN) == "" {
			return errors.New("storage.dsn: required for driver postgres")
		}
	case DriverRedis:
		if strings.TrimSpace(s.Addr) == "" {
			return errors.New("storage.addr: required for driver redis")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	if !h.Enabled {
		return nil
	}
	host, _, err := net.SplitHostPort(h.Addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if !isLoopback(host) && strings.TrimSpace(h.Token) == "" && !h.AllowInsecure {
		return fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", h.Addr)
	}
	if _, err := ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return err
	}
	_, err = ParseDurationField("http.idle_timeout", h.IdleTimeout)
	return err
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
