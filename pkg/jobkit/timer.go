package jobkit

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler fires callbacks after a delay. Callbacks must only hand work
// off (submit to a spool, request a check) and never block.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Scheduled
}

// Scheduled is a handle on one pending callback.
type Scheduled interface {
	// Cancel prevents the callback from running. It reports false when the
	// callback already fired or was cancelled.
	Cancel() bool
	// Pending reports whether the callback has neither fired nor been cancelled.
	Pending() bool
	// Due is the planned firing time.
	Due() time.Time
}

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

type timerHandle struct {
	due   time.Time
	state atomic.Int32
	t     *time.Timer
}

func (h *timerHandle) claim(to int32) bool { return h.state.CompareAndSwap(timerPending, to) }

func (h *timerHandle) Cancel() bool {
	if !h.claim(timerCancelled) {
		return false
	}
	if h.t != nil {
		h.t.Stop()
	}
	return true
}

func (h *timerHandle) Pending() bool  { return h.state.Load() == timerPending }
func (h *timerHandle) Due() time.Time { return h.due }

// remaining is the time left until due, never negative.
func remaining(s Scheduled, now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	d := s.Due().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func pending(s Scheduled) bool { return s != nil && s.Pending() }

// TimerScheduler runs callbacks on time.AfterFunc goroutines.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(delay time.Duration, fn func()) Scheduled {
	if delay < 0 {
		delay = 0
	}
	h := &timerHandle{due: time.Now().Add(delay)}
	h.t = time.AfterFunc(delay, func() {
		if h.claim(timerFired) {
			fn()
		}
	})
	return h
}

// ManualScheduler keeps callbacks until RunPending is called. It backs the
// flat engine and makes timing deterministic in tests.
type ManualScheduler struct {
	mu      sync.Mutex
	entries []*manualEntry
	seq     uint64
	planned []time.Duration
}

type manualEntry struct {
	timerHandle
	seq   uint64
	delay time.Duration
	fn    func()
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (m *ManualScheduler) Schedule(delay time.Duration, fn func()) Scheduled {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := &manualEntry{seq: m.seq, delay: delay, fn: fn}
	e.due = time.Now().Add(delay)
	m.entries = append(m.entries, e)
	m.planned = append(m.planned, delay)
	return e
}

// RunPending fires every callback pending at call time, earliest due first.
// Callbacks scheduled while running wait for the next call. It returns the
// number of callbacks fired.
func (m *ManualScheduler) RunPending() int {
	m.mu.Lock()
	batch := make([]*manualEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Pending() {
			batch = append(batch, e)
		}
	}
	m.entries = nil
	m.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		if !batch[i].due.Equal(batch[j].due) {
			return batch[i].due.Before(batch[j].due)
		}
		return batch[i].seq < batch[j].seq
	})
	fired := 0
	for _, e := range batch {
		if e.claim(timerFired) {
			e.fn()
			fired++
		}
	}
	return fired
}

// Pending returns the delays of callbacks not yet fired or cancelled.
func (m *ManualScheduler) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, e := range m.entries {
		if e.Pending() {
			out = append(out, e.delay)
		}
	}
	return out
}

// Planned returns every delay ever scheduled, in scheduling order.
func (m *ManualScheduler) Planned() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.planned...)
}
