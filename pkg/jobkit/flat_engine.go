package jobkit

import (
	"context"
	"sync"
	"time"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// FlatEngine is a synchronous Runner. One-shot jobs run on the calling
// goroutine during RunOneShot, StartService runs the first service iteration
// immediately, and later iterations wait for RunPending. Every phase record
// is kept and available through EndEvents.
//
// A task that submits another job runs it inline, before returning.
type FlatEngine struct {
	serviceRegistry

	log       logx.Logger
	runner    jobRunner
	manager   *supervisable.Manager
	recorder  *supervisable.Recorder
	scheduler *ManualScheduler

	mu       sync.Mutex
	closing  bool
	shutdown bool
}

// NewFlat builds a FlatEngine. WithScheduler is honored only for a
// *ManualScheduler; watchdog options are ignored.
func NewFlat(opts ...Option) *FlatEngine {
	o := buildOptions(opts)
	sched, ok := o.scheduler.(*ManualScheduler)
	if !ok {
		sched = NewManualScheduler()
	}
	rec := supervisable.NewRecorder()
	o.manager.Register(rec)

	f := &FlatEngine{
		log:       o.log,
		runner:    jobRunner{log: o.log, manager: o.manager, events: o.executionEvent()},
		manager:   o.manager,
		recorder:  rec,
		scheduler: sched,
	}
	f.serviceRegistry.init(serviceDeps{
		log:       o.log,
		submit:    f,
		scheduler: sched,
		events:    o.serviceEvent(),
	})
	return f
}

func (f *FlatEngine) submitJob(spool, name string, priority int, task Task, onComplete func(context.Context, error), opts ...SubmitOption) bool {
	if task == nil || f.IsShutdown() {
		return false
	}
	j := newSpoolJob(task, name, priority, onComplete, applySubmitOptions(opts))
	j.started = time.Now()
	_ = f.runner.execute(context.Background(), spool, j)
	return true
}

func (f *FlatEngine) RunOneShot(name, spool string, priority int, task Task, afterRun func(error), opts ...SubmitOption) bool {
	return f.submitJob(spool, name, priority, task, completion(afterRun), opts...)
}

func (f *FlatEngine) RunJob(job Job, opts ...SubmitOption) bool {
	task, done := jobTask(job)
	return f.submitJob(job.Spool(), job.Name(), jobPriority(job), task, done, opts...)
}

// StartService creates the service, enables it and runs it once right away.
func (f *FlatEngine) StartService(name, spool string, interval time.Duration, task, disableTask Task) (*BackgroundService, error) {
	s := f.CreateService(name, spool, interval, task, disableTask)
	if err := s.enable(true); err != nil {
		return s, err
	}
	return s, nil
}

// RunPending fires every planned service run; see ManualScheduler.RunPending.
func (f *FlatEngine) RunPending() int { return f.scheduler.RunPending() }

// PlannedDelays lists every delay planned so far, in order.
func (f *FlatEngine) PlannedDelays() []time.Duration { return f.scheduler.Planned() }

// EndEvents returns every phase record produced so far.
func (f *FlatEngine) EndEvents() []supervisable.EndEvent { return f.recorder.Events() }

func (f *FlatEngine) Recorder() *supervisable.Recorder { return f.recorder }

func (f *FlatEngine) Manager() *supervisable.Manager { return f.manager }

func (f *FlatEngine) Scheduler() *ManualScheduler { return f.scheduler }

func (f *FlatEngine) IsShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func (f *FlatEngine) Shutdown() {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	f.closing = true
	f.mu.Unlock()

	// disable tasks still run before the engine stops accepting work
	f.disableAll()

	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				f.log.Error("shutdown hook panicked", logx.Any("panic", r))
			}
		}()
		f.runner.events.ShutdownSpooler()
	}()
}

// WaitToClose shuts down; nothing runs in the background so it never blocks.
func (f *FlatEngine) WaitToClose(context.Context) error {
	f.Shutdown()
	return nil
}
