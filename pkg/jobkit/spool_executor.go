package jobkit

import (
	"context"
	"sync"
	"time"

	"jobkit/internal/runtime/supervisor"
	logx "jobkit/pkg/logx"
)

const spoolHistorySize = 32

// spoolRuntime is shared by every executor of one spooler.
type spoolRuntime struct {
	runner   jobRunner
	sup      *supervisor.Supervisor
	watchdog *Watchdog
}

// SpoolExecutor is a single-lane queue: at most one job runs at a time and
// queued jobs start in (priority desc, creation index asc) order.
type SpoolExecutor struct {
	name string
	log  logx.Logger
	rt   *spoolRuntime

	mu         sync.Mutex
	queue      jobHeap
	current    *spoolJob
	accepting  bool
	idle       chan struct{}
	idleClosed bool

	executed uint64
	failed   uint64
	history  []JobRecord
}

// JobRecord is a finished job kept in the executor's short history.
type JobRecord struct {
	Job   WatchableSpoolJobState `json:"job"`
	Ended time.Time              `json:"ended"`
	Took  time.Duration          `json:"took"`
	Error string                 `json:"error,omitempty"`
}

// SpoolSnapshot is a point-in-time view of one spool.
type SpoolSnapshot struct {
	Name      string                   `json:"name"`
	Accepting bool                     `json:"accepting"`
	Running   bool                     `json:"running"`
	Current   *WatchableSpoolJobState  `json:"current,omitempty"`
	Queued    []WatchableSpoolJobState `json:"queued"`
	Executed  uint64                   `json:"executed"`
	Failed    uint64                   `json:"failed"`
	History   []JobRecord              `json:"history,omitempty"`
}

func newSpoolExecutor(name string, log logx.Logger, rt *spoolRuntime) *SpoolExecutor {
	idle := make(chan struct{})
	close(idle)
	return &SpoolExecutor{
		name:       name,
		log:        log.With(logx.String("spool", name)),
		rt:         rt,
		accepting:  true,
		idle:       idle,
		idleClosed: true,
	}
}

func (e *SpoolExecutor) Name() string { return e.name }

// AddToQueue enqueues a job. It returns false once the executor stopped
// accepting new jobs. onComplete, when set, receives the task's error.
func (e *SpoolExecutor) AddToQueue(task Task, name string, priority int, onComplete func(error), opts ...SubmitOption) bool {
	return e.enqueue(task, name, priority, completion(onComplete), opts...)
}

func (e *SpoolExecutor) enqueue(task Task, name string, priority int, onComplete func(context.Context, error), opts ...SubmitOption) bool {
	if task == nil {
		e.log.Warn("job rejected: nil task", logx.String("job", name))
		return false
	}
	j := newSpoolJob(task, name, priority, onComplete, applySubmitOptions(opts))

	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		e.log.Debug("job rejected: spool closed", logx.String("job", name))
		return false
	}
	e.queue.push(j)
	e.markBusyLocked()
	e.rt.watchdog.AddJob(e.name, j.state(e.name))
	next := e.takeNextLocked()
	e.mu.Unlock()

	e.launch(next)
	return true
}

// takeNextLocked promotes the head of the queue to current when the lane is free.
func (e *SpoolExecutor) takeNextLocked() *spoolJob {
	if e.current != nil {
		return nil
	}
	j := e.queue.pop()
	if j == nil {
		e.markIdleLocked()
		return nil
	}
	j.started = time.Now()
	e.current = j
	e.rt.watchdog.StartJob(e.name, j.index, j.started)
	return j
}

func (e *SpoolExecutor) launch(j *spoolJob) {
	if j == nil {
		return
	}
	e.rt.sup.Go("spool."+e.name, func(ctx context.Context) error {
		e.run(ctx, j)
		return nil
	})
}

func (e *SpoolExecutor) run(ctx context.Context, j *spoolJob) {
	err := e.rt.runner.execute(ctx, e.name, j)
	ended := time.Now()

	e.mu.Lock()
	e.executed++
	rec := JobRecord{Job: j.state(e.name), Ended: ended, Took: ended.Sub(j.started)}
	if err != nil {
		e.failed++
		rec.Error = err.Error()
	}
	e.history = append(e.history, rec)
	if len(e.history) > spoolHistorySize {
		e.history = e.history[len(e.history)-spoolHistorySize:]
	}
	e.current = nil
	e.rt.watchdog.EndJob(e.name, j.index)
	next := e.takeNextLocked()
	e.mu.Unlock()

	e.launch(next)
}

func (e *SpoolExecutor) markBusyLocked() {
	if e.idleClosed {
		e.idle = make(chan struct{})
		e.idleClosed = false
	}
}

func (e *SpoolExecutor) markIdleLocked() {
	if !e.idleClosed && e.current == nil && e.queue.Len() == 0 {
		close(e.idle)
		e.idleClosed = true
	}
}

// StopToAcceptNewJobs makes further AddToQueue calls return false.
// Queued and running jobs still complete.
func (e *SpoolExecutor) StopToAcceptNewJobs() {
	e.mu.Lock()
	e.accepting = false
	e.mu.Unlock()
}

func (e *SpoolExecutor) IsAccepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepting
}

// Clean waits until the spool is idle. With purge, queued jobs are dropped
// first; the running job is never interrupted.
func (e *SpoolExecutor) Clean(ctx context.Context, purge bool) error {
	e.mu.Lock()
	if purge && e.queue.Len() > 0 {
		for _, j := range e.queue {
			e.rt.watchdog.EndJob(e.name, j.index)
		}
		e.log.Info("spool purged", logx.Int("dropped", e.queue.Len()))
		e.queue = nil
		e.markIdleLocked()
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueSize counts queued jobs, excluding the running one.
func (e *SpoolExecutor) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *SpoolExecutor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Current returns the running job, if any.
func (e *SpoolExecutor) Current() (WatchableSpoolJobState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return WatchableSpoolJobState{}, false
	}
	return e.current.state(e.name), true
}

func (e *SpoolExecutor) Snapshot() SpoolSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := SpoolSnapshot{
		Name:      e.name,
		Accepting: e.accepting,
		Running:   e.current != nil,
		Executed:  e.executed,
		Failed:    e.failed,
		History:   append([]JobRecord(nil), e.history...),
	}
	if e.current != nil {
		st := e.current.state(e.name)
		snap.Current = &st
	}
	for _, j := range e.queue.ordered() {
		snap.Queued = append(snap.Queued, j.state(e.name))
	}
	return snap
}
