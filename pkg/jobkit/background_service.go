package jobkit

import (
	"context"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"jobkit/pkg/atomicref"
	logx "jobkit/pkg/logx"
)

const (
	// DefaultRetryAfterErrorFactor keeps the interval unchanged after failures.
	DefaultRetryAfterErrorFactor = 1.0

	minServiceDelay = time.Millisecond
	maxServiceDelay = 30 * 24 * time.Hour

	// startupImminent is how close a pending run must be for RunFirstOnStartup
	// to leave it alone.
	startupImminent = 2 * time.Second
)

// submitter hands a service run to its spool.
type submitter interface {
	submitJob(spool, name string, priority int, task Task, onComplete func(context.Context, error), opts ...SubmitOption) bool
}

type serviceDeps struct {
	log       logx.Logger
	submit    submitter
	scheduler Scheduler
	events    BackgroundServiceEvent
	watchdog  *Watchdog
}

type pendingRun struct {
	planned time.Time
	delay   time.Duration
	handle  Scheduled
}

// BackgroundService runs a task periodically on its spool. After n
// consecutive failures the next run is delayed by interval x factor^n
// (rounded to the millisecond); a success resets n. At most one run is
// pending at any time.
type BackgroundService struct {
	name        string
	spool       string
	task        Task
	disableTask Task
	deps        serviceDeps
	log         logx.Logger

	mu          sync.Mutex
	enabled     bool
	interval    time.Duration
	schedule    *Schedule
	priority    int
	retryFactor float64
	seqErrors   int
	runs        uint64
	failures    uint64
	lastRun     time.Time
	lastErr     error

	next atomicref.Ref[*pendingRun]
}

// ServiceSnapshot is a point-in-time view of a service.
type ServiceSnapshot struct {
	Name             string        `json:"name"`
	Spool            string        `json:"spool"`
	Enabled          bool          `json:"enabled"`
	Interval         time.Duration `json:"interval"`
	Schedule         string        `json:"schedule"`
	Priority         int           `json:"priority"`
	RetryFactor      float64       `json:"retry_factor"`
	Runs             uint64        `json:"runs"`
	Failures         uint64        `json:"failures"`
	SequentialErrors int           `json:"sequential_errors"`
	LastRun          time.Time     `json:"last_run,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	NextRunAt        *time.Time    `json:"next_run_at,omitempty"`
}

func newBackgroundService(name, spool string, interval time.Duration, task, disableTask Task, deps serviceDeps) *BackgroundService {
	return &BackgroundService{
		name:        name,
		spool:       spool,
		task:        task,
		disableTask: disableTask,
		deps:        deps,
		log:         deps.log.With(logx.String("service", name), logx.String("spool", spool)),
		interval:    interval,
		retryFactor: DefaultRetryAfterErrorFactor,
	}
}

func (s *BackgroundService) Name() string      { return s.name }
func (s *BackgroundService) SpoolName() string { return s.spool }

func (s *BackgroundService) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *BackgroundService) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *BackgroundService) Priority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

func (s *BackgroundService) RetryAfterErrorFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryFactor
}

// SequentialErrors is the number of consecutive failed runs.
func (s *BackgroundService) SequentialErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqErrors
}

func (s *BackgroundService) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// NextRunAt returns the due time of the pending run, if any.
func (s *BackgroundService) NextRunAt() (time.Time, bool) {
	p := s.next.Get()
	if p == nil || !pending(p.handle) {
		return time.Time{}, false
	}
	return p.handle.Due(), true
}

func (s *BackgroundService) Snapshot() ServiceSnapshot {
	s.mu.Lock()
	snap := ServiceSnapshot{
		Name:             s.name,
		Spool:            s.spool,
		Enabled:          s.enabled,
		Interval:         s.interval,
		Schedule:         s.interval.String(),
		Priority:         s.priority,
		RetryFactor:      s.retryFactor,
		Runs:             s.runs,
		Failures:         s.failures,
		SequentialErrors: s.seqErrors,
		LastRun:          s.lastRun,
	}
	if s.schedule != nil {
		snap.Schedule = s.schedule.String()
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	if at, ok := s.NextRunAt(); ok {
		snap.NextRunAt = &at
	}
	return snap
}

// SetPriority applies to runs submitted from now on.
func (s *BackgroundService) SetPriority(p int) *BackgroundService {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
	return s
}

func (s *BackgroundService) SetRetryAfterErrorFactor(f float64) error {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrInvalidRetryFactor
	}
	s.mu.Lock()
	if s.retryFactor == f {
		s.mu.Unlock()
		return nil
	}
	s.retryFactor = f
	s.mu.Unlock()
	s.emit(func(ev BackgroundServiceEvent) { ev.OnChangeRetryFactor(s.name, s.spool, f) })
	return nil
}

func (s *BackgroundService) SetEnabled(enabled bool) error {
	if enabled {
		return s.Enable()
	}
	s.Disable()
	return nil
}

// Enable schedules the first run one interval (or the next cron time) from now.
func (s *BackgroundService) Enable() error { return s.enable(false) }

// enable with immediate hands the first run to the spool right away
// instead of planning it.
func (s *BackgroundService) enable(immediate bool) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return nil
	}
	if s.interval <= 0 {
		s.mu.Unlock()
		return ErrZeroInterval
	}
	if s.retryFactor <= 0 {
		s.mu.Unlock()
		return ErrInvalidRetryFactor
	}
	s.enabled = true
	var delay time.Duration
	if !immediate {
		delay = s.baseDelayLocked(time.Now())
		if err := s.scheduleLocked(delay); err != nil {
			s.enabled = false
			s.mu.Unlock()
			return err
		}
	}
	priority, interval := s.priority, s.interval
	s.mu.Unlock()

	s.log.Info("service enabled", logx.Duration("interval", interval), logx.Duration("first_in", delay))
	s.emit(func(ev BackgroundServiceEvent) { ev.OnChangeEnabled(s.name, s.spool, true) })
	s.refreshWatchdog()
	if !immediate {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, delay) })
		return nil
	}
	s.emit(func(ev BackgroundServiceEvent) { ev.OnSchedule(s.name, s.spool, priority, interval) })
	if !s.deps.submit.submitJob(s.spool, s.name, priority, s.runOnce, completion(s.afterRun)) {
		s.log.Warn("service run refused by spool")
	}
	return nil
}

// Disable cancels the pending run and submits the disable task, if any.
// A run already handed to the spool still completes.
func (s *BackgroundService) Disable() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	if p := s.next.GetAndSet(nil); p != nil && p.handle != nil {
		p.handle.Cancel()
	}
	priority := s.priority
	s.mu.Unlock()

	s.log.Info("service disabled")
	s.emit(func(ev BackgroundServiceEvent) { ev.OnChangeEnabled(s.name, s.spool, false) })
	s.refreshWatchdog()
	if s.disableTask != nil {
		if !s.deps.submit.submitJob(s.spool, s.name+"/disable", priority, s.disableTask, nil) {
			s.log.Warn("disable task refused by spool")
		}
	}
}

// SetInterval changes the interval. A pending run keeps its time if it is
// due no later than (planned + interval); otherwise it is moved there.
func (s *BackgroundService) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrZeroInterval
	}
	s.mu.Lock()
	if d == s.interval && s.schedule == nil {
		s.mu.Unlock()
		return nil
	}
	s.interval = d
	s.schedule = nil
	delay, moved := s.moveDeadlineLocked(func(p *pendingRun) time.Time { return p.planned.Add(d) })
	s.mu.Unlock()

	s.log.Info("service interval changed", logx.Duration("interval", d))
	s.emit(func(ev BackgroundServiceEvent) { ev.OnChangeInterval(s.name, s.spool, d) })
	if moved {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, delay) })
	}
	s.refreshWatchdog()
	return nil
}

// SetSchedule switches the service to an interval or cron schedule.
func (s *BackgroundService) SetSchedule(raw string) error {
	sch, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if sch.Kind == ScheduleInterval {
		return s.SetInterval(sch.Every)
	}
	now := time.Now()
	nominal := sch.NominalInterval(now)
	s.mu.Lock()
	if s.schedule != nil && s.schedule.Cron == sch.Cron {
		s.mu.Unlock()
		return nil
	}
	s.schedule = &sch
	s.interval = nominal
	delay, moved := s.moveDeadlineLocked(func(*pendingRun) time.Time { return sch.Next(now) })
	s.mu.Unlock()

	s.log.Info("service schedule changed", logx.String("schedule", sch.String()))
	s.emit(func(ev BackgroundServiceEvent) { ev.OnChangeInterval(s.name, s.spool, nominal) })
	if moved {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, delay) })
	}
	s.refreshWatchdog()
	return nil
}

// moveDeadlineLocked reschedules the pending run when it is due after deadline(p).
func (s *BackgroundService) moveDeadlineLocked(deadline func(p *pendingRun) time.Time) (time.Duration, bool) {
	if !s.enabled {
		return 0, false
	}
	p := s.pendingLocked()
	if p == nil {
		return 0, false
	}
	target := deadline(p)
	if !p.handle.Due().After(target) {
		return 0, false
	}
	if !p.handle.Cancel() {
		return 0, false
	}
	s.next.Set(nil)
	delay := clampDelay(time.Until(target))
	if err := s.scheduleLocked(delay); err != nil {
		return 0, false
	}
	return delay, true
}

// RunFirstOnStartup moves the first run to now when the service never ran
// and its pending run is not imminent.
func (s *BackgroundService) RunFirstOnStartup() {
	s.mu.Lock()
	if !s.enabled || s.runs > 0 || !s.lastRun.IsZero() {
		s.mu.Unlock()
		return
	}
	if p := s.next.Get(); p != nil {
		if !pending(p.handle) || remaining(p.handle, time.Now()) < startupImminent {
			s.mu.Unlock()
			return
		}
		p.handle.Cancel()
		s.next.Set(nil)
	}
	err := s.scheduleLocked(minServiceDelay)
	s.mu.Unlock()
	if err == nil {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, minServiceDelay) })
	}
}

// RunNow triggers a run as soon as possible. An enabled service moves its
// pending run; a disabled one runs once without rescheduling. It returns
// ErrAlreadyScheduled while a run is handed to the spool but not finished.
func (s *BackgroundService) RunNow() error {
	s.mu.Lock()
	if !s.enabled {
		priority := s.priority
		s.mu.Unlock()
		if !s.deps.submit.submitJob(s.spool, s.name, priority, s.runOnce, completion(s.afterRun)) {
			return ErrSpoolRefused
		}
		return nil
	}
	p := s.next.Get()
	if p != nil && !pending(p.handle) {
		s.mu.Unlock()
		return ErrAlreadyScheduled
	}
	if p != nil {
		p.handle.Cancel()
		s.next.Set(nil)
	}
	err := s.scheduleLocked(minServiceDelay)
	s.mu.Unlock()
	if err == nil {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, minServiceDelay) })
	}
	return err
}

func (s *BackgroundService) pendingLocked() *pendingRun {
	p := s.next.Get()
	if p == nil || !pending(p.handle) {
		return nil
	}
	return p
}

// scheduleLocked plans one run after delay unless another is still pending.
func (s *BackgroundService) scheduleLocked(delay time.Duration) error {
	delay = clampDelay(delay)
	_, ok := s.next.Replace(func(old *pendingRun) (*pendingRun, bool) {
		if old != nil && pending(old.handle) {
			return old, false
		}
		p := &pendingRun{planned: time.Now(), delay: delay}
		p.handle = s.deps.scheduler.Schedule(delay, func() { s.fire(p) })
		return p, true
	})
	if !ok {
		return ErrAlreadyScheduled
	}
	return nil
}

func (s *BackgroundService) baseDelayLocked(now time.Time) time.Duration {
	if s.schedule != nil && s.schedule.Kind == ScheduleCron {
		return clampDelay(s.schedule.Next(now).Sub(now))
	}
	return s.interval
}

// nextDelayLocked applies the error backoff on top of the base delay.
func (s *BackgroundService) nextDelayLocked(now time.Time) time.Duration {
	if s.seqErrors == 0 {
		return s.baseDelayLocked(now)
	}
	ms := float64(s.interval) / float64(time.Millisecond) * math.Pow(s.retryFactor, float64(s.seqErrors))
	if math.IsInf(ms, 0) || ms > float64(maxServiceDelay/time.Millisecond) {
		return maxServiceDelay
	}
	return clampDelay(time.Duration(math.Round(ms)) * time.Millisecond)
}

func clampDelay(d time.Duration) time.Duration {
	if d < minServiceDelay {
		return minServiceDelay
	}
	if d > maxServiceDelay {
		return maxServiceDelay
	}
	return d
}

// fire runs on the scheduler and only hands the run to the spool.
func (s *BackgroundService) fire(p *pendingRun) {
	s.mu.Lock()
	if !s.enabled || s.next.Get() != p {
		s.mu.Unlock()
		return
	}
	priority, interval := s.priority, s.interval
	s.mu.Unlock()

	s.emit(func(ev BackgroundServiceEvent) { ev.OnSchedule(s.name, s.spool, priority, interval) })
	if !s.deps.submit.submitJob(s.spool, s.name, priority, s.runOnce, completion(s.afterRun)) {
		s.log.Warn("service run refused by spool")
	}
}

func (s *BackgroundService) runOnce(ctx context.Context) error {
	s.mu.Lock()
	s.runs++
	s.lastRun = time.Now()
	priority := s.priority
	s.mu.Unlock()

	s.emit(func(ev BackgroundServiceEvent) { ev.OnRunStart(s.name, s.spool, priority) })
	return s.task(ctx)
}

func (s *BackgroundService) afterRun(err error) {
	s.mu.Lock()
	if err != nil {
		s.seqErrors++
		s.failures++
		s.lastErr = err
	} else {
		s.seqErrors = 0
		s.lastErr = nil
	}
	seq := s.seqErrors
	var delay time.Duration
	planned := false
	if s.enabled && s.pendingLocked() == nil {
		delay = s.nextDelayLocked(time.Now())
		planned = s.scheduleLocked(delay) == nil
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("service run failed", logx.Int("sequential_errors", seq), logx.Duration("next_in", delay), logx.Err(err))
		s.emit(func(ev BackgroundServiceEvent) { ev.OnRunError(s.name, s.spool, err) })
	}
	if planned {
		s.emit(func(ev BackgroundServiceEvent) { ev.OnPlanNextExec(s.name, s.spool, delay) })
	}
}

func (s *BackgroundService) refreshWatchdog() {
	s.mu.Lock()
	w := WatchableBackgroundService{Name: s.name, SpoolName: s.spool, Interval: s.interval}
	enabled := s.enabled
	s.mu.Unlock()
	s.deps.watchdog.RefreshBackgroundService(w, enabled)
}

func (s *BackgroundService) emit(fn func(ev BackgroundServiceEvent)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("service hook panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(s.deps.events)
}
