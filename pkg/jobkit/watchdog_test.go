package jobkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobState(spool string, idx uint64, priority int) WatchableSpoolJobState {
	return WatchableSpoolJobState{
		SpoolName:     spool,
		CommandName:   "job",
		CreationIndex: idx,
		CreatedDate:   time.Now(),
		Priority:      priority,
	}
}

func newTestWatchdog(rec *reportRecorder, policies ...Policy) (*Watchdog, *ManualScheduler) {
	sched := NewManualScheduler()
	return NewWatchdog(policies, WithWatchdogScheduler(sched), WithWatchdogEventHandler(rec)), sched
}

func TestWatchdogReportsOnceAndReleasesOnce(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, MaxSpoolQueueSizePolicy{MaxSize: 1})

	w.AddJob("ingest", jobState("ingest", 1, 0))
	w.StartJob("ingest", 1, time.Now())
	w.AddJob("ingest", jobState("ingest", 2, 0))
	w.Check()
	reports, _ := rec.snapshot()
	assert.Empty(t, reports)

	w.AddJob("ingest", jobState("ingest", 3, 0))
	w.Check()
	w.Check()
	w.Check()
	reports, releases := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Empty(t, releases)
	assert.Equal(t, "ingest", reports[0].SpoolName)
	assert.Len(t, reports[0].QueuedJobs, 2)
	assert.Len(t, w.Reports(), 1)

	w.EndJob("ingest", 2)
	w.Check()
	w.Check()
	reports, releases = rec.snapshot()
	require.Len(t, reports, 1)
	require.Len(t, releases, 1)
	assert.Equal(t, reports[0].ID, releases[0].ID)
	assert.Empty(t, w.Reports())
}

func TestWatchdogReleasesWhenSpoolGoesIdle(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, LimitedExecTimePolicy{MaxExecTime: time.Millisecond})

	w.AddJob("slow", jobState("slow", 7, 0))
	w.StartJob("slow", 7, time.Now().Add(-time.Second))
	w.Check()
	reports, _ := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Warning, "slow")

	w.EndJob("slow", 7)
	w.Check()
	_, releases := rec.snapshot()
	require.Len(t, releases, 1)
	assert.Equal(t, reports[0].ID, releases[0].ID)
}

func TestWatchdogSkipsSpoolWithoutActiveJob(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, MaxSpoolQueueSizePolicy{MaxSize: 0})
	w.AddJob("idle", jobState("idle", 1, 0))
	w.AddJob("idle", jobState("idle", 2, 0))
	w.Check()
	reports, _ := rec.snapshot()
	assert.Empty(t, reports)
}

func TestWatchdogServiceSpoolsEvaluateEveryPolicy(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec,
		LimitedExecTimePolicy{MaxExecTime: time.Millisecond},
		LimitedServiceExecTimePolicy{WaitFactor: 2},
	)
	w.RefreshBackgroundService(WatchableBackgroundService{Name: "poll", SpoolName: "feeds", Interval: 100 * time.Millisecond}, true)
	w.AddJob("feeds", jobState("feeds", 1, 0))
	w.StartJob("feeds", 1, time.Now().Add(-time.Second))
	w.Check()

	reports, _ := rec.snapshot()
	require.Len(t, reports, 2)
	var policies []string
	for _, r := range reports {
		policies = append(policies, r.Policy)
		require.Len(t, r.RelatedServices, 1)
		assert.Equal(t, "poll", r.RelatedServices[0].Name)
	}
	assert.ElementsMatch(t, []string{
		LimitedExecTimePolicy{MaxExecTime: time.Millisecond}.Description(),
		LimitedServiceExecTimePolicy{WaitFactor: 2}.Description(),
	}, policies)

	// without the service only the service policy passes again
	w.RefreshBackgroundService(WatchableBackgroundService{Name: "poll", SpoolName: "feeds"}, false)
	w.Check()
	reports, releases := rec.snapshot()
	assert.Len(t, reports, 2)
	require.Len(t, releases, 1)
	assert.Equal(t, LimitedServiceExecTimePolicy{WaitFactor: 2}.Description(), releases[0].Policy)
}

func TestWatchdogQueueLimitAppliesToServiceSpool(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, MaxSpoolQueueSizePolicy{MaxSize: 1})
	w.RefreshBackgroundService(WatchableBackgroundService{Name: "poll", SpoolName: "feeds", Interval: time.Minute}, true)
	w.AddJob("feeds", jobState("feeds", 1, 0))
	w.StartJob("feeds", 1, time.Now())
	for i := uint64(2); i <= 5; i++ {
		w.AddJob("feeds", jobState("feeds", i, 0))
	}
	w.Check()

	reports, _ := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "feeds", reports[0].SpoolName)
	assert.Len(t, reports[0].QueuedJobs, 4)
	assert.Contains(t, reports[0].Warning, "4 queued jobs")
}

type panickyPolicy struct{}

func (panickyPolicy) Description() string { return "panics" }
func (panickyPolicy) IsStatusOk(string, WatchableSpoolJobState, []WatchableSpoolJobState) (time.Duration, error) {
	panic("policy bug")
}

func TestWatchdogReportsPanickingPolicy(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, panickyPolicy{}, MaxSpoolQueueSizePolicy{MaxSize: 0})
	w.AddJob("s", jobState("s", 1, 0))
	w.StartJob("s", 1, time.Now())
	w.AddJob("s", jobState("s", 2, 0))
	assert.NotPanics(t, w.Check)

	reports, _ := rec.snapshot()
	require.Len(t, reports, 2)
	byPolicy := map[string]SpoolReport{}
	for _, r := range reports {
		byPolicy[r.Policy] = r
	}
	require.Contains(t, byPolicy, "panics")
	assert.Contains(t, byPolicy["panics"].Warning, "policy panics panicked: policy bug")
	assert.Contains(t, byPolicy, MaxSpoolQueueSizePolicy{MaxSize: 0}.Description())

	// a panic keeps the report outstanding
	w.Check()
	_, releases := rec.snapshot()
	assert.Empty(t, releases)
}

func TestWatchdogReportsPanickingPolicyOnServiceSpool(t *testing.T) {
	rec := &reportRecorder{}
	w, _ := newTestWatchdog(rec, panickyPolicy{})
	w.RefreshBackgroundService(WatchableBackgroundService{Name: "poll", SpoolName: "feeds", Interval: time.Minute}, true)
	w.AddJob("feeds", jobState("feeds", 1, 0))
	w.StartJob("feeds", 1, time.Now())
	assert.NotPanics(t, w.Check)

	reports, _ := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "panics", reports[0].Policy)
	assert.Contains(t, reports[0].Warning, "panicked")
}

func TestWatchdogPendingCheckOnlyMovesSooner(t *testing.T) {
	w, sched := newTestWatchdog(&reportRecorder{})
	w.requestCheck(time.Hour)
	w.requestCheck(2 * time.Hour)
	assert.Equal(t, []time.Duration{time.Hour}, sched.Pending())

	w.requestCheck(time.Minute)
	assert.Equal(t, []time.Duration{time.Minute}, sched.Pending())

	assert.Equal(t, 1, sched.RunPending())
	assert.EqualValues(t, 1, w.Checks())

	w.Shutdown()
	w.requestCheck(0)
	assert.Empty(t, sched.Pending())
}

func TestWatchdogSchedulesRecheckFromPolicy(t *testing.T) {
	rec := &reportRecorder{}
	w, sched := newTestWatchdog(rec, LimitedExecTimePolicy{MaxExecTime: time.Hour})
	w.AddJob("s", jobState("s", 1, 0))
	w.StartJob("s", 1, time.Now())
	sched.RunPending()

	pend := sched.Pending()
	require.Len(t, pend, 1)
	assert.InDelta(t, float64(time.Hour), float64(pend[0]), float64(time.Second))
}

func TestNilWatchdogIsSafe(t *testing.T) {
	var w *Watchdog
	assert.NotPanics(t, func() {
		w.AddJob("s", jobState("s", 1, 0))
		w.StartJob("s", 1, time.Now())
		w.EndJob("s", 1)
		w.RefreshBackgroundService(WatchableBackgroundService{}, true)
		w.Check()
		w.Shutdown()
	})
	assert.Nil(t, w.Reports())
}
