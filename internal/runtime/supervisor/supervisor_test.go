package supervisor

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expired() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestWaitReturnsAtOnceWhenIdle(t *testing.T) {
	s := New(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestWaitTimesOutWithoutLeakingGoroutines(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go("blocked", func(context.Context) error { <-release; return nil })

	before := runtime.NumGoroutine()
	for i := 0; i < 100; i++ {
		require.ErrorIs(t, s.Wait(expired()), context.Canceled)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestWaitCoversGoroutinesStartedAfterIdle(t *testing.T) {
	s := New(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	release := make(chan struct{})
	s.Go("late", func(context.Context) error { <-release; return nil })
	require.ErrorIs(t, s.Wait(expired()), context.Canceled)

	close(release)
	require.NoError(t, s.Wait(ctx))
}

func TestCancelOnErrorRecordsFirstError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(context.Context) error { return boom })
	s.Go("waiting", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failing")
	assert.Error(t, s.Context().Err())
}

func TestPanicIsRecoveredAndCounted(t *testing.T) {
	s := New(context.Background())
	s.Go("worker", func(context.Context) error { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in worker")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.EqualValues(t, 1, snap.Goroutines[0].Panics)
	assert.EqualValues(t, 0, snap.Counters.Active)
}
