package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
watchdog:
  policies:
    - type: limited_exec_time
      max_exec_time: 5m
    - type: max_queue_size
      max_size: 10
      spools: [ingest]
services:
  - name: rotate-logs
    schedule: "*/5 * * * *"
    command: ["/usr/sbin/logrotate", "/etc/logrotate.conf"]
    timeout: 30s
    retry_factor: 2
storage:
  driver: sqlite
  path: ./jobkit.db
http:
  enabled: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "jobkit.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "30s", cfg.Engine.ShutdownTimeout)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTP.Addr)
	require.Len(t, cfg.Services, 1)
	svc := cfg.Services[0]
	assert.Equal(t, "rotate-logs", svc.Spool)
	assert.True(t, svc.IsEnabled())
	assert.Equal(t, 30*time.Second, svc.TimeoutDuration())
	assert.Equal(t, DriverSQLite, cfg.Storage.DriverName())
	assert.Equal(t, DefaultMaxEvents, cfg.Storage.MaxEvents)
	assert.Equal(t, []string{"ingest"}, cfg.Watchdog.Policies[1].Spools)
}

func TestDecodeIsStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"logging":{"level":"info"},"telegram":{}}`))
	assert.Error(t, err)

	_, err = Decode("c.json", []byte(`{"logging":{}} {"logging":{}}`))
	assert.Error(t, err)

	cfg, err := Decode("c.json", []byte(`{"logging":{"level":"warn"}}`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		Watchdog: WatchdogConfig{Policies: []PolicyConfig{{Type: "nope"}, {Type: PolicyLimitedExecTime}}},
		Services: []ServiceConfig{
			{Name: "a", Spool: "a", Schedule: "5m", Command: []string{"true"}},
			{Name: "a", Spool: "a", Schedule: "whenever", Timeout: "x"},
		},
		Storage: &StorageConfig{Driver: "postgres"},
		HTTP:    HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown policy "nope"`,
		"max_exec_time: required",
		`duplicate service "a"`,
		"services[1].schedule",
		"services[1].command: required",
		"services[1].timeout",
		"storage.dsn",
		"not loopback",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateAcceptsMinimal(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.NoError(t, Validate(cfg))
}

func TestDiffServices(t *testing.T) {
	off := false
	oldList := []ServiceConfig{
		{Name: "a", Schedule: "1m", Command: []string{"x"}},
		{Name: "b", Schedule: "1m", Command: []string{"x"}},
	}
	newList := []ServiceConfig{
		{Name: "b", Schedule: "2m", Command: []string{"x"}, Enabled: &off},
		{Name: "c", Schedule: "1m", Command: []string{"x"}},
	}
	d := DiffServices(oldList, newList)
	assert.Equal(t, []string{"c"}, d.AddedNames())
	assert.Equal(t, []string{"a"}, d.RemovedNames())
	assert.Equal(t, []string{"b"}, d.ChangedNames())
	assert.True(t, DiffServices(oldList, oldList).Empty())
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	a := &Config{HTTP: HTTPConfig{Token: "old"}}
	b := &Config{HTTP: HTTPConfig{Token: "new"}, Logging: LoggingConfig{Level: "debug"}}
	changed, attrs := SummarizeChange(a, b)
	assert.Equal(t, []string{"logging"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(a, &Config{Storage: &StorageConfig{Driver: "redis", Addr: "x"}})
	assert.Equal(t, []string{"storage"}, changed)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "jobkit.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, published)
	got := <-ch
	assert.Equal(t, "debug", got.Logging.Level)

	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestWatchPicksUpFileChange(t *testing.T) {
	path := writeFile(t, "jobkit.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(`{"logging":{"level":"error"}}`), 0o600)
		select {
		case cfg := <-ch:
			return cfg.Logging.Level == "error"
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}
