package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkit/internal/config"
	"jobkit/pkg/jobkit"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jobkit.yaml")
	writeConfig(t, path, body)

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobkit.yaml")
	writeConfig(t, path, "services:\n  - name: x\n    schedule: never\n")
	_, err := NewApp(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "services[0]")
}

func TestAppRunsServiceAndPersistsEvents(t *testing.T) {
	dir := t.TempDir()
	body := `
logging:
  level: error
services:
  - name: tick
    schedule: 1h
    command: ["true"]
    run_on_startup: true
storage:
  driver: file
  path: ` + filepath.Join(dir, "events") + `
http:
  enabled: true
  addr: 127.0.0.1:0
`
	a, _ := startApp(t, body)

	svc, ok := a.Engine().Service("tick")
	require.True(t, ok)
	assert.True(t, svc.IsEnabled())

	require.Eventually(t, func() bool {
		evs, err := a.Store().RecentEvents(context.Background(), 10)
		return err == nil && len(evs) > 0 && evs[0].JobName == "tick"
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := a.HTTP().WaitListening(ctx)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/services/tick")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppReloadAppliesServiceDiff(t *testing.T) {
	a, path := startApp(t, `
logging:
  level: error
services:
  - name: old
    schedule: 1h
    command: ["true"]
  - name: kept
    schedule: 1h
    command: ["true"]
`)
	writeConfig(t, path, `
logging:
  level: error
services:
  - name: kept
    schedule: 10m
    command: ["true"]
    priority: 5
    retry_factor: 2
  - name: fresh
    schedule: "*/5 * * * *"
    command: ["true"]
`)
	// The file watcher may commit the same change first.
	_, err := a.Reload(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		fresh, ok := a.Engine().Service("fresh")
		return ok && fresh.IsEnabled()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		old, _ := a.Engine().Service("old")
		return !old.IsEnabled()
	}, 5*time.Second, 10*time.Millisecond)

	kept, _ := a.Engine().Service("kept")
	require.Eventually(t, func() bool {
		return kept.Interval() == 10*time.Minute && kept.Priority() == 5 && kept.RetryAfterErrorFactor() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, kept.IsEnabled())

	fresh, _ := a.Engine().Service("fresh")
	assert.Equal(t, "cron:*/5 * * * *", fresh.Snapshot().Schedule)
}

func TestAppReloadRejectsSpoolMove(t *testing.T) {
	a, path := startApp(t, `
logging:
  level: error
services:
  - name: job
    spool: first
    schedule: 1h
    command: ["true"]
`)
	writeConfig(t, path, `
logging:
  level: error
services:
  - name: job
    spool: second
    schedule: 1h
    command: ["true"]
`)
	_, err := a.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot move")
	assert.Equal(t, "first", a.Config().Services[0].Spool)
}

func TestAppStopIsIdempotent(t *testing.T) {
	a, _ := startApp(t, "logging:\n  level: error\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	<-a.Done()
	assert.Empty(t, a.HTTP().Addr())
}

func TestMapPolicies(t *testing.T) {
	cfg := &config.Config{Watchdog: config.WatchdogConfig{Policies: []config.PolicyConfig{
		{Type: config.PolicyLimitedExecTime, MaxExecTime: "5m", Spools: []string{"ingest"}},
		{Type: config.PolicyMaxQueueSize, MaxSize: 3},
		{Type: config.PolicyLimitedServiceExecTime, WaitFactor: 2},
	}}}
	got := mapPolicies(cfg)
	require.Len(t, got, 3)
	assert.Equal(t, jobkit.LimitedExecTimePolicy{MaxExecTime: 5 * time.Minute, Spools: []string{"ingest"}}, got[0])
	assert.Equal(t, jobkit.MaxSpoolQueueSizePolicy{MaxSize: 3}, got[1])
	assert.Equal(t, jobkit.LimitedServiceExecTimePolicy{WaitFactor: 2}, got[2])
	assert.True(t, watchdogEnabled(cfg))
}

func TestReasonForSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopAppStop, ReasonForSignal(nil))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}
