package jobkit

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolRunsByPriorityThenCreationOrder(t *testing.T) {
	eng := New()
	ex := eng.Executor("catalog")

	release := make(chan struct{})
	require.True(t, ex.AddToQueue(func(context.Context) error { <-release; return nil }, "blocker", 0, nil))

	var order orderLog
	for _, j := range []struct {
		name     string
		priority int
	}{{"a", 1}, {"b", 5}, {"c", 5}, {"d", 0}} {
		name := j.name
		require.True(t, ex.AddToQueue(noop, name, j.priority, func(error) { order.add(name) }))
	}
	assert.Equal(t, 4, ex.QueueSize())

	snap := ex.Snapshot()
	require.NotNil(t, snap.Current)
	assert.Equal(t, "blocker", snap.Current.CommandName)
	var queued []string
	for _, q := range snap.Queued {
		queued = append(queued, q.CommandName)
	}
	assert.Equal(t, []string{"b", "c", "a", "d"}, queued)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Clean(ctx, false))
	assert.Equal(t, []string{"b", "c", "a", "d"}, order.get())
	assert.Equal(t, 0, ex.QueueSize())
	assert.False(t, ex.IsRunning())
}

func TestSpoolRunsOneJobAtATime(t *testing.T) {
	eng := New()
	ex := eng.Executor("lane")

	var active, peak atomic.Int32
	for i := 0; i < 20; i++ {
		require.True(t, ex.AddToQueue(func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			return nil
		}, "step", i%3, nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Clean(ctx, false))
	assert.EqualValues(t, 1, peak.Load())
	assert.EqualValues(t, 20, ex.Snapshot().Executed)
}

func TestParallelSpoolsKeepOrderAndSingleWorker(t *testing.T) {
	const (
		spools  = 4
		perLane = 50
	)
	eng := New()
	rnd := rand.New(rand.NewSource(42))

	type queued struct {
		name     string
		priority int
	}
	type lane struct {
		ex      *SpoolExecutor
		release chan struct{}
		jobs    []queued
		order   orderLog
		active  atomic.Int32
		peak    atomic.Int32
	}
	lanes := make([]*lane, spools)
	for i := range lanes {
		l := &lane{ex: eng.Executor(fmt.Sprintf("lane-%d", i)), release: make(chan struct{})}
		lanes[i] = l
		release := l.release
		require.True(t, l.ex.AddToQueue(func(context.Context) error { <-release; return nil }, "blocker", 0, nil))
		for j := 0; j < perLane; j++ {
			q := queued{name: fmt.Sprintf("job-%d", j), priority: rnd.Intn(10) - 5}
			l.jobs = append(l.jobs, q)
			task := func(context.Context) error {
				n := l.active.Add(1)
				for {
					p := l.peak.Load()
					if n <= p || l.peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				l.active.Add(-1)
				return nil
			}
			name := q.name
			require.True(t, l.ex.AddToQueue(task, name, q.priority, func(error) { l.order.add(name) }))
		}
	}

	var wg sync.WaitGroup
	for _, l := range lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			close(l.release)
		}(l)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, l := range lanes {
		require.NoError(t, l.ex.Clean(ctx, false))

		want := append([]queued(nil), l.jobs...)
		sort.SliceStable(want, func(a, b int) bool { return want[a].priority > want[b].priority })
		names := make([]string, 0, len(want))
		for _, q := range want {
			names = append(names, q.name)
		}
		assert.Equal(t, names, l.order.get(), "lane %d", i)
		assert.EqualValues(t, 1, l.peak.Load(), "lane %d", i)
	}
}

func TestSpoolCleanWithPurgeDropsQueued(t *testing.T) {
	eng := New()
	ex := eng.Executor("purge")

	release := make(chan struct{})
	require.True(t, ex.AddToQueue(func(context.Context) error { <-release; return nil }, "blocker", 0, nil))
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.True(t, ex.AddToQueue(func(context.Context) error { ran.Add(1); return nil }, "queued", 0, nil))
	}

	done := make(chan error, 1)
	go func() { done <- ex.Clean(context.Background(), true) }()

	require.Eventually(t, func() bool { return ex.QueueSize() == 0 }, time.Second, time.Millisecond)
	assert.True(t, ex.IsRunning())
	close(release)
	require.NoError(t, <-done)
	assert.EqualValues(t, 0, ran.Load())
}

func TestSpoolCleanHonorsContext(t *testing.T) {
	eng := New()
	ex := eng.Executor("slow")
	release := make(chan struct{})
	defer close(release)
	require.True(t, ex.AddToQueue(func(context.Context) error { <-release; return nil }, "blocker", 0, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ex.Clean(ctx, false), context.DeadlineExceeded)
}

func TestSpoolRefusesAfterStop(t *testing.T) {
	eng := New()
	ex := eng.Executor("closing")
	ex.StopToAcceptNewJobs()
	assert.False(t, ex.AddToQueue(noop, "late", 0, nil))
	assert.False(t, ex.IsAccepting())
	assert.False(t, ex.AddToQueue(nil, "nil task", 0, nil))
}

func TestSpoolRecoversPanickingTask(t *testing.T) {
	eng := New()
	ex := eng.Executor("panics")

	got := make(chan error, 1)
	require.True(t, ex.AddToQueue(func(context.Context) error { panic("boom") }, "bad", 0, func(err error) { got <- err }))
	select {
	case err := <-got:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("completion not called")
	}

	ok := make(chan struct{})
	require.True(t, ex.AddToQueue(func(context.Context) error { close(ok); return nil }, "next", 0, nil))
	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("spool stuck after panic")
	}
}
