package jobkit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

func waitClose(t *testing.T, r Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitToClose(ctx))
}

func TestEngineRunOneShotRecordsPhases(t *testing.T) {
	rec := supervisable.NewRecorder()
	m := supervisable.NewManager(logx.Nop(), supervisable.WithConsumers(rec))
	exec := &execRecorder{}
	eng := New(WithSupervisableManager(m), WithExecutionEvent(exec))

	got := make(chan error, 1)
	require.True(t, eng.RunOneShot("reindex", "catalog", 0, func(ctx context.Context) error {
		return supervisable.FromContext(ctx).OnMessage("reindex.count", "indexed {0} items", 3)
	}, func(err error) { got <- err }, WithCallerTag("cli")))
	require.NoError(t, <-got)
	waitClose(t, eng)

	var names []string
	for _, ev := range rec.Events() {
		names = append(names, ev.JobName)
		assert.Equal(t, "catalog", ev.SpoolName)
		assert.Equal(t, "cli", ev.CallerTag)
	}
	assert.Equal(t, []string{"reindex/beforeStart", "reindex", "reindex/afterRun", "reindex/onComplete"}, names)

	task := rec.ByJob("reindex")
	require.Len(t, task, 1)
	assert.False(t, task[0].HasMark(supervisable.MarkTrivial))
	assert.True(t, rec.ByJob("reindex/afterRun")[0].HasMark(supervisable.MarkTrivial))

	started, ok, failed, shutdowns := exec.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, shutdowns)
}

func TestEngineFailedRunReachesHooks(t *testing.T) {
	exec := &execRecorder{}
	eng := New(WithExecutionEvent(exec))
	got := make(chan error, 1)
	require.True(t, eng.RunOneShot("sync", "s", 0, func(context.Context) error { return errDown }, func(err error) { got <- err }))
	assert.ErrorIs(t, <-got, errDown)
	waitClose(t, eng)
	_, ok, failed, _ := exec.counts()
	assert.Equal(t, 0, ok)
	assert.Equal(t, 1, failed)
}

func TestEngineShutdownIsIdempotentAndDrains(t *testing.T) {
	exec := &execRecorder{}
	eng := New(WithExecutionEvent(exec))

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, eng.RunOneShot("step", "lane", 0, func(context.Context) error {
			time.Sleep(2 * time.Millisecond)
			done.Add(1)
			return nil
		}, nil))
	}
	eng.Shutdown()
	eng.Shutdown()
	assert.False(t, eng.RunOneShot("late", "lane", 0, noop, nil))
	assert.False(t, eng.RunOneShot("late", "new-spool", 0, noop, nil))

	waitClose(t, eng)
	waitClose(t, eng)
	assert.EqualValues(t, 5, done.Load())
	_, _, _, shutdowns := exec.counts()
	assert.Equal(t, 1, shutdowns)
	assert.True(t, eng.Spooler().IsShutdown())
}

func TestEngineServiceRunsUntilDisabled(t *testing.T) {
	eng := New()
	var runs atomic.Int32
	s, err := eng.StartService("poll", "feeds", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, time.Millisecond)

	s.Disable()
	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Executor("feeds").Clean(ctx, false))
	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())

	svc, ok := eng.Service("poll")
	require.True(t, ok)
	assert.Same(t, s, svc)
	waitClose(t, eng)
}

func TestEngineShutdownDisablesServices(t *testing.T) {
	eng := New()
	disabled := make(chan struct{})
	s, err := eng.StartService("poll", "feeds", time.Hour, noop, func(context.Context) error {
		close(disabled)
		return nil
	})
	require.NoError(t, err)
	waitClose(t, eng)
	assert.False(t, s.IsEnabled())
	select {
	case <-disabled:
	default:
		t.Fatal("disable task did not run before close")
	}
}

type hookedJob struct {
	fail   bool
	mu     sync.Mutex
	events []string
}

func (j *hookedJob) Name() string  { return "hooked" }
func (j *hookedJob) Spool() string { return "jobs" }
func (j *hookedJob) Priority() int { return 3 }
func (j *hookedJob) Run(context.Context) error {
	if j.fail {
		return errors.New("nope")
	}
	return nil
}
func (j *hookedJob) OnStart(context.Context)       { j.add("start") }
func (j *hookedJob) OnDone(context.Context)        { j.add("done") }
func (j *hookedJob) OnFail(context.Context, error) { j.add("fail") }
func (j *hookedJob) add(s string) {
	j.mu.Lock()
	j.events = append(j.events, s)
	j.mu.Unlock()
}

func TestRunJobHooks(t *testing.T) {
	for _, r := range []Runner{New(), NewFlat()} {
		ok := &hookedJob{}
		bad := &hookedJob{fail: true}
		require.True(t, r.RunJob(ok))
		require.True(t, r.RunJob(bad))
		waitClose(t, r)
		assert.Equal(t, []string{"start", "done"}, ok.events)
		assert.Equal(t, []string{"start", "fail"}, bad.events)
	}
}

func TestEngineWatchdogReportLifecycle(t *testing.T) {
	reports := &reportRecorder{}
	eng := New(
		WithPolicies(LimitedExecTimePolicy{MaxExecTime: 20 * time.Millisecond}),
		WithWatchdogEvents(reports),
	)
	release := make(chan struct{})
	require.True(t, eng.RunOneShot("stuck", "io", 0, func(context.Context) error { <-release; return nil }, nil))

	require.Eventually(t, func() bool {
		r, _ := reports.snapshot()
		return len(r) == 1
	}, 5*time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool {
		_, rel := reports.snapshot()
		return len(rel) == 1
	}, 5*time.Second, time.Millisecond)
	waitClose(t, eng)

	r, rel := reports.snapshot()
	require.Len(t, r, 1)
	require.Len(t, rel, 1)
	assert.Equal(t, r[0].ID, rel[0].ID)
	assert.Equal(t, "stuck", r[0].ActiveJob.CommandName)
}

func TestFlatEngineRunsInline(t *testing.T) {
	f := NewFlat()
	var order []string
	require.True(t, f.RunOneShot("outer", "a", 0, func(context.Context) error {
		order = append(order, "outer")
		f.RunOneShot("inner", "a", 0, func(context.Context) error {
			order = append(order, "inner")
			return nil
		}, nil)
		return nil
	}, nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Len(t, f.EndEvents(), 6)

	f.Shutdown()
	assert.False(t, f.RunOneShot("late", "a", 0, noop, nil))
}
