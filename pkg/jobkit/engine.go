package jobkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobkit/internal/runtime/supervisor"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// Runner is the submission surface shared by Engine and FlatEngine.
type Runner interface {
	RunOneShot(name, spool string, priority int, task Task, afterRun func(error), opts ...SubmitOption) bool
	RunJob(job Job, opts ...SubmitOption) bool
	CreateService(name, spool string, interval time.Duration, task, disableTask Task) *BackgroundService
	StartService(name, spool string, interval time.Duration, task, disableTask Task) (*BackgroundService, error)
	CreateScheduledService(name, spool, schedule string, task, disableTask Task) (*BackgroundService, error)
	Service(name string) (*BackgroundService, bool)
	Services() []*BackgroundService
	Shutdown()
	WaitToClose(ctx context.Context) error
}

var (
	_ Runner = (*Engine)(nil)
	_ Runner = (*FlatEngine)(nil)
)

type engineOptions struct {
	log            logx.Logger
	manager        *supervisable.Manager
	execEvents     []ExecutionEvent
	serviceEvents  []BackgroundServiceEvent
	watchdogEvents []WatchdogEvents
	scheduler      Scheduler
	policies       []Policy
	noWatchdog     bool
}

type Option func(*engineOptions)

func WithLogger(log logx.Logger) Option {
	return func(o *engineOptions) { o.log = log }
}

// WithSupervisableManager routes phase records to m instead of a private manager.
func WithSupervisableManager(m *supervisable.Manager) Option {
	return func(o *engineOptions) { o.manager = m }
}

// WithExecutionEvent adds an execution hook; it may be given several times.
func WithExecutionEvent(ev ExecutionEvent) Option {
	return func(o *engineOptions) { o.execEvents = append(o.execEvents, ev) }
}

// WithBackgroundServiceEvent adds a service hook; it may be given several times.
func WithBackgroundServiceEvent(ev BackgroundServiceEvent) Option {
	return func(o *engineOptions) { o.serviceEvents = append(o.serviceEvents, ev) }
}

// WithWatchdogEvents adds a watchdog report handler; it may be given several times.
func WithWatchdogEvents(ev WatchdogEvents) Option {
	return func(o *engineOptions) { o.watchdogEvents = append(o.watchdogEvents, ev) }
}

// WithScheduler replaces the time.AfterFunc scheduler, e.g. with a ManualScheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *engineOptions) { o.scheduler = s }
}

// WithPolicies installs watchdog policies.
func WithPolicies(ps ...Policy) Option {
	return func(o *engineOptions) { o.policies = append(o.policies, ps...) }
}

// WithoutWatchdog disables the watchdog entirely.
func WithoutWatchdog() Option {
	return func(o *engineOptions) { o.noWatchdog = true }
}

func buildOptions(opts []Option) engineOptions {
	o := engineOptions{}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.manager == nil {
		o.manager = supervisable.NewManager(o.log)
	}
	if o.scheduler == nil {
		o.scheduler = TimerScheduler{}
	}
	return o
}

func (o engineOptions) executionEvent() ExecutionEvent {
	if len(o.execEvents) == 0 {
		return NopExecutionEvent{}
	}
	return ExecutionEvents(o.execEvents...)
}

func (o engineOptions) serviceEvent() BackgroundServiceEvent {
	if len(o.serviceEvents) == 0 {
		return NopBackgroundServiceEvent{}
	}
	return BackgroundServiceEvents(o.serviceEvents...)
}

func (o engineOptions) watchdogEvent() WatchdogEvents {
	if len(o.watchdogEvents) == 0 {
		return NopWatchdogEvents{}
	}
	return WatchdogEventsOf(o.watchdogEvents...)
}

// serviceRegistry creates and tracks background services for a Runner.
type serviceRegistry struct {
	deps serviceDeps

	mu       sync.Mutex
	services map[string]*BackgroundService
}

func (r *serviceRegistry) init(deps serviceDeps) {
	r.deps = deps
	r.services = map[string]*BackgroundService{}
}

// CreateService registers a disabled service. Creating a name twice returns
// the existing service.
func (r *serviceRegistry) CreateService(name, spool string, interval time.Duration, task, disableTask Task) *BackgroundService {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[name]; ok {
		return s
	}
	s := newBackgroundService(name, spool, interval, task, disableTask, r.deps)
	r.services[name] = s
	return s
}

// CreateScheduledService registers a disabled service from a schedule
// string (see ParseSchedule).
func (r *serviceRegistry) CreateScheduledService(name, spool, schedule string, task, disableTask Task) (*BackgroundService, error) {
	sch, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}
	s := r.CreateService(name, spool, sch.NominalInterval(time.Now()), task, disableTask)
	if sch.Kind == ScheduleCron {
		if err := s.SetSchedule(schedule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r *serviceRegistry) Service(name string) (*BackgroundService, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	return s, ok
}

// Services returns the registered services sorted by name.
func (r *serviceRegistry) Services() []*BackgroundService {
	r.mu.Lock()
	out := make([]*BackgroundService, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *serviceRegistry) disableAll() {
	for _, s := range r.Services() {
		s.Disable()
	}
}

// Engine runs spool jobs on goroutines and services on timers.
type Engine struct {
	serviceRegistry

	log      logx.Logger
	manager  *supervisable.Manager
	spooler  *Spooler
	watchdog *Watchdog

	mu       sync.Mutex
	shutdown bool
}

func New(opts ...Option) *Engine {
	o := buildOptions(opts)
	e := &Engine{log: o.log, manager: o.manager}
	if !o.noWatchdog {
		e.watchdog = NewWatchdog(o.policies,
			WithWatchdogLogger(o.log.With(logx.String("comp", "watchdog"))),
			WithWatchdogScheduler(o.scheduler),
			WithWatchdogEventHandler(o.watchdogEvent()),
		)
	}
	e.spooler = NewSpooler(o.log, o.manager, o.executionEvent(), e.watchdog)
	e.serviceRegistry.init(serviceDeps{
		log:       o.log,
		submit:    e,
		scheduler: o.scheduler,
		events:    o.serviceEvent(),
		watchdog:  e.watchdog,
	})
	return e
}

func (e *Engine) Spooler() *Spooler                    { return e.spooler }
func (e *Engine) Watchdog() *Watchdog                  { return e.watchdog }
func (e *Engine) Manager() *supervisable.Manager       { return e.manager }
func (e *Engine) Goroutines() supervisor.Snapshot      { return e.spooler.Goroutines() }
func (e *Engine) Executor(spool string) *SpoolExecutor { return e.spooler.GetExecutor(spool) }

func (e *Engine) submitJob(spool, name string, priority int, task Task, onComplete func(context.Context, error), opts ...SubmitOption) bool {
	ex := e.spooler.GetExecutor(spool)
	if ex == nil {
		return false
	}
	return ex.enqueue(task, name, priority, onComplete, opts...)
}

// RunOneShot submits task to spool. afterRun, when set, receives the
// task's error. It returns false after shutdown.
func (e *Engine) RunOneShot(name, spool string, priority int, task Task, afterRun func(error), opts ...SubmitOption) bool {
	return e.submitJob(spool, name, priority, task, completion(afterRun), opts...)
}

// RunJob submits a Job, honoring its optional hook interfaces.
func (e *Engine) RunJob(job Job, opts ...SubmitOption) bool {
	task, done := jobTask(job)
	return e.submitJob(job.Spool(), job.Name(), jobPriority(job), task, done, opts...)
}

// StartService creates and enables a service.
func (e *Engine) StartService(name, spool string, interval time.Duration, task, disableTask Task) (*BackgroundService, error) {
	s := e.CreateService(name, spool, interval, task, disableTask)
	if err := s.Enable(); err != nil {
		return s, err
	}
	return s, nil
}

// Shutdown disables every service and closes the spools to new jobs.
// It does not wait; see WaitToClose.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}
	e.shutdown = true
	e.mu.Unlock()

	e.disableAll()
	e.spooler.Shutdown()
}

// WaitToClose shuts down and waits for every spool to drain.
func (e *Engine) WaitToClose(ctx context.Context) error {
	e.Shutdown()
	err := e.spooler.WaitToClose(ctx)
	e.watchdog.Shutdown()
	return err
}

func jobPriority(job Job) int {
	if p, ok := job.(Prioritized); ok {
		return p.Priority()
	}
	return 0
}

func jobTask(job Job) (Task, func(context.Context, error)) {
	task := func(ctx context.Context) error {
		if h, ok := job.(StartHook); ok {
			h.OnStart(ctx)
		}
		return job.Run(ctx)
	}
	done := func(ctx context.Context, err error) {
		if err != nil {
			if h, ok := job.(FailHook); ok {
				h.OnFail(ctx, err)
			}
			return
		}
		if h, ok := job.(DoneHook); ok {
			h.OnDone(ctx)
		}
	}
	return task, done
}
