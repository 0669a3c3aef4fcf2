package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkit/pkg/jobkit"
	"jobkit/pkg/supervisable"
)

func TestExecutionHooks(t *testing.T) {
	c := NewCollector()
	job := jobkit.WatchableSpoolJobState{SpoolName: "ingest", CommandName: "scan"}

	c.BeforeStart(job)
	c.AfterRunCorrectly(job, 20*time.Millisecond)
	c.BeforeStart(job)
	c.AfterFailedRun(job, time.Second, errors.New("boom"))
	c.ShutdownSpooler()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsStarted.WithLabelValues("ingest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("ingest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("ingest")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.spoolerShutdown))
}

func TestServiceHooks(t *testing.T) {
	c := NewCollector()
	c.OnRunStart("rotate", "rotate", 0)
	c.OnRunError("rotate", "rotate", errors.New("x"))
	c.OnPlanNextExec("rotate", "rotate", 1500*time.Millisecond)
	c.OnChangeInterval("rotate", "rotate", time.Minute)
	c.OnChangeEnabled("rotate", "rotate", true)
	c.OnChangeRetryFactor("rotate", "rotate", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.serviceRuns.WithLabelValues("rotate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serviceErrors.WithLabelValues("rotate")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.serviceNextDelay.WithLabelValues("rotate")))
	assert.Equal(t, 60.0, testutil.ToFloat64(c.serviceInterval.WithLabelValues("rotate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.serviceEnabled.WithLabelValues("rotate")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.serviceFactor.WithLabelValues("rotate")))

	c.OnChangeEnabled("rotate", "rotate", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.serviceEnabled.WithLabelValues("rotate")))
}

func TestWatchdogAndEndEvents(t *testing.T) {
	c := NewCollector()
	r := jobkit.SpoolReport{ID: "1", SpoolName: "ingest"}
	c.OnJobWatchdogSpoolReport(r)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.watchdogActive.WithLabelValues("ingest")))
	c.OnJobWatchdogSpoolReleaseReport(r)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.watchdogActive.WithLabelValues("ingest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.watchdogReports.WithLabelValues("ingest")))

	c.Consume(supervisable.EndEvent{State: supervisable.StateDone})
	c.Consume(supervisable.EndEvent{State: supervisable.StateError})
	c.Consume(supervisable.EndEvent{State: supervisable.StateDone})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.endEvents.WithLabelValues("DONE")))
}

func TestSpoolSourceAndHandler(t *testing.T) {
	started := time.Now().Add(-3 * time.Second)
	c := NewCollector(WithSpoolSource(func() []jobkit.SpoolSnapshot {
		return []jobkit.SpoolSnapshot{{
			Name:      "ingest",
			Accepting: true,
			Running:   true,
			Current:   &jobkit.WatchableSpoolJobState{SpoolName: "ingest", StartedDate: started},
			Queued:    make([]jobkit.WatchableSpoolJobState, 4),
		}}
	}), WithRuntimeMetrics())
	c.BeforeStart(jobkit.WatchableSpoolJobState{SpoolName: "ingest"})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `jobkit_spool_queued_jobs{spool="ingest"} 4`)
	assert.Contains(t, text, `jobkit_spool_running{spool="ingest"} 1`)
	assert.Contains(t, text, `jobkit_jobs_started_total{spool="ingest"} 1`)
	assert.Contains(t, text, "go_goroutines")
	assert.True(t, strings.Contains(text, "jobkit_spool_active_job_seconds"))
}

func TestEngineFeedsCollector(t *testing.T) {
	c := NewCollector()
	eng := jobkit.NewFlat(jobkit.WithExecutionEvent(c))
	eng.RunOneShot("ok", "lane", 0, func(context.Context) error { return nil }, nil)
	eng.RunOneShot("bad", "lane", 0, func(context.Context) error { return errors.New("x") }, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted.WithLabelValues("lane")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed.WithLabelValues("lane")))
}
