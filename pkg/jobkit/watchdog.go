package jobkit

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobkit/pkg/atomicref"
	logx "jobkit/pkg/logx"
)

// SpoolReport describes a policy warning on one spool.
type SpoolReport struct {
	ID              string                       `json:"id"`
	Created         time.Time                    `json:"created"`
	SpoolName       string                       `json:"spool"`
	Policy          string                       `json:"policy"`
	Warning         string                       `json:"warning"`
	ActiveJob       WatchableSpoolJobState       `json:"active_job"`
	QueuedJobs      []WatchableSpoolJobState     `json:"queued_jobs"`
	RelatedServices []WatchableBackgroundService `json:"related_services,omitempty"`
}

type reportKey struct {
	spool  string
	policy int
}

type pendingCheck struct {
	handle Scheduled
}

// Watchdog evaluates policies against the spools it is told about. A check
// runs after every job or service change and when a policy asks for a timed
// re-check; at most one check is pending and a new request only replaces it
// when it is due strictly sooner.
type Watchdog struct {
	log       logx.Logger
	scheduler Scheduler
	events    WatchdogEvents

	policyMu sync.RWMutex
	policies []Policy

	stateMu  sync.Mutex
	jobs     map[string]map[uint64]WatchableSpoolJobState
	services map[string]map[string]WatchableBackgroundService

	reportMu sync.Mutex
	reports  map[reportKey]SpoolReport
	limiters map[string]*rate.Limiter

	checkMu sync.Mutex
	next    atomicref.Ref[*pendingCheck]
	closed  atomic.Bool
	checks  atomic.Uint64
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

func WithWatchdogLogger(log logx.Logger) WatchdogOption {
	return func(w *Watchdog) { w.log = log }
}

func WithWatchdogScheduler(s Scheduler) WatchdogOption {
	return func(w *Watchdog) {
		if s != nil {
			w.scheduler = s
		}
	}
}

func WithWatchdogEventHandler(ev WatchdogEvents) WatchdogOption {
	return func(w *Watchdog) {
		if ev != nil {
			w.events = ev
		}
	}
}

// NewWatchdog returns a watchdog with the given policies.
func NewWatchdog(policies []Policy, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		log:       logx.Nop(),
		scheduler: TimerScheduler{},
		events:    NopWatchdogEvents{},
		jobs:      map[string]map[uint64]WatchableSpoolJobState{},
		services:  map[string]map[string]WatchableBackgroundService{},
		reports:   map[reportKey]SpoolReport{},
		limiters:  map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(w)
	}
	for _, p := range policies {
		w.AddPolicy(p)
	}
	return w
}

// AddPolicy appends a policy. Policies are never removed, so a policy's
// position identifies its reports.
func (w *Watchdog) AddPolicy(p Policy) {
	if w == nil || p == nil {
		return
	}
	w.policyMu.Lock()
	w.policies = append(w.policies, p)
	w.policyMu.Unlock()
	w.requestCheck(0)
}

func (w *Watchdog) Policies() []Policy {
	if w == nil {
		return nil
	}
	w.policyMu.RLock()
	defer w.policyMu.RUnlock()
	return append([]Policy(nil), w.policies...)
}

func (w *Watchdog) AddJob(spool string, st WatchableSpoolJobState) {
	if w == nil {
		return
	}
	w.stateMu.Lock()
	m := w.jobs[spool]
	if m == nil {
		m = map[uint64]WatchableSpoolJobState{}
		w.jobs[spool] = m
	}
	m[st.CreationIndex] = st
	w.stateMu.Unlock()
	w.requestCheck(0)
}

func (w *Watchdog) StartJob(spool string, index uint64, at time.Time) {
	if w == nil {
		return
	}
	w.stateMu.Lock()
	if st, ok := w.jobs[spool][index]; ok {
		st.StartedDate = at
		w.jobs[spool][index] = st
	}
	w.stateMu.Unlock()
	w.requestCheck(0)
}

func (w *Watchdog) EndJob(spool string, index uint64) {
	if w == nil {
		return
	}
	w.stateMu.Lock()
	if m := w.jobs[spool]; m != nil {
		delete(m, index)
		if len(m) == 0 {
			delete(w.jobs, spool)
		}
	}
	w.stateMu.Unlock()
	w.requestCheck(0)
}

// RefreshBackgroundService records an enabled service or forgets a disabled one.
func (w *Watchdog) RefreshBackgroundService(s WatchableBackgroundService, enabled bool) {
	if w == nil {
		return
	}
	w.stateMu.Lock()
	if enabled {
		m := w.services[s.SpoolName]
		if m == nil {
			m = map[string]WatchableBackgroundService{}
			w.services[s.SpoolName] = m
		}
		m[s.Name] = s
	} else if m := w.services[s.SpoolName]; m != nil {
		delete(m, s.Name)
		if len(m) == 0 {
			delete(w.services, s.SpoolName)
		}
	}
	w.stateMu.Unlock()
	w.requestCheck(0)
}

// Reports returns the reports currently raised, sorted by spool.
func (w *Watchdog) Reports() []SpoolReport {
	if w == nil {
		return nil
	}
	w.reportMu.Lock()
	out := make([]SpoolReport, 0, len(w.reports))
	for _, r := range w.reports {
		out = append(out, r)
	}
	w.reportMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpoolName != out[j].SpoolName {
			return out[i].SpoolName < out[j].SpoolName
		}
		return out[i].Policy < out[j].Policy
	})
	return out
}

// Checks counts completed policy passes.
func (w *Watchdog) Checks() uint64 {
	if w == nil {
		return 0
	}
	return w.checks.Load()
}

// Shutdown cancels the pending check. Later changes are still recorded but
// no longer trigger checks.
func (w *Watchdog) Shutdown() {
	if w == nil || !w.closed.CompareAndSwap(false, true) {
		return
	}
	if p := w.next.GetAndSet(nil); p != nil {
		p.handle.Cancel()
	}
}

func (w *Watchdog) requestCheck(delay time.Duration) {
	if w.closed.Load() {
		return
	}
	if delay < 0 {
		delay = 0
	}
	due := time.Now().Add(delay)
	w.next.Replace(func(old *pendingCheck) (*pendingCheck, bool) {
		if old != nil && pending(old.handle) {
			if !old.handle.Due().After(due) {
				return old, false
			}
			if !old.handle.Cancel() {
				return old, false
			}
		}
		return &pendingCheck{handle: w.scheduler.Schedule(delay, w.Check)}, true
	})
}

type spoolView struct {
	active WatchableSpoolJobState
	queued []WatchableSpoolJobState
}

func (w *Watchdog) snapshot() (map[string]spoolView, map[string][]WatchableBackgroundService) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	views := make(map[string]spoolView, len(w.jobs))
	for spool, m := range w.jobs {
		var v spoolView
		found := false
		for _, st := range m {
			if st.Started() && !found {
				v.active = st
				found = true
				continue
			}
			v.queued = append(v.queued, st)
		}
		if !found {
			continue
		}
		sort.Slice(v.queued, func(i, j int) bool {
			a, b := v.queued[i], v.queued[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.CreationIndex < b.CreationIndex
		})
		views[spool] = v
	}
	services := make(map[string][]WatchableBackgroundService, len(w.services))
	for spool, m := range w.services {
		list := make([]WatchableBackgroundService, 0, len(m))
		for _, s := range m {
			list = append(list, s)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		services[spool] = list
	}
	return views, services
}

// Check runs one policy pass synchronously over a snapshot of the spools.
func (w *Watchdog) Check() {
	if w == nil {
		return
	}
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	views, services := w.snapshot()
	policies := w.Policies()
	var recheck time.Duration

	for spool, v := range views {
		related := services[spool]
		for i, p := range policies {
			key := reportKey{spool: spool, policy: i}
			var (
				delay time.Duration
				err   error
			)
			if len(related) == 0 {
				delay, err = w.evaluate(p, spool, v)
			} else {
				err = w.evaluateService(p, spool, v, related)
				delay = shortestInterval(related)
			}
			if err != nil {
				w.raise(key, p, spool, v, related, err)
				continue
			}
			w.release(key)
			if delay > 0 && (recheck == 0 || delay < recheck) {
				recheck = delay
			}
		}
	}
	w.releaseIdle(views)
	w.checks.Add(1)

	if recheck > 0 {
		w.requestCheck(recheck)
	}
}

func shortestInterval(services []WatchableBackgroundService) time.Duration {
	var d time.Duration
	for _, s := range services {
		if s.Interval > 0 && (d == 0 || s.Interval < d) {
			d = s.Interval
		}
	}
	return d
}

func (w *Watchdog) evaluate(p Policy, spool string, v spoolView) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog policy panicked", logx.String("policy", p.Description()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			d, err = 0, Warnf("policy %s panicked: %v", p.Description(), r)
		}
	}()
	return p.IsStatusOk(spool, v.active, v.queued)
}

// evaluateService judges a spool hosting enabled services. Policies without
// a service variant fall back to IsStatusOk with the delay dropped.
func (w *Watchdog) evaluateService(p Policy, spool string, v spoolView, related []WatchableBackgroundService) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog policy panicked", logx.String("policy", p.Description()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = Warnf("policy %s panicked: %v", p.Description(), r)
		}
	}()
	if sp, ok := p.(ServicePolicy); ok {
		return sp.IsStatusOkWithServices(spool, v.active, v.queued, related)
	}
	_, err = p.IsStatusOk(spool, v.active, v.queued)
	return err
}

func (w *Watchdog) raise(key reportKey, p Policy, spool string, v spoolView, related []WatchableBackgroundService, err error) {
	msg := err.Error()
	var pw *PolicyWarning
	if !errors.As(err, &pw) {
		msg = fmt.Sprintf("policy error: %v", err)
	}

	w.reportMu.Lock()
	prev, exists := w.reports[key]
	r := SpoolReport{
		ID:              uuid.NewString(),
		Created:         time.Now(),
		SpoolName:       spool,
		Policy:          p.Description(),
		Warning:         msg,
		ActiveJob:       v.active,
		QueuedJobs:      v.queued,
		RelatedServices: related,
	}
	if exists {
		r.ID, r.Created = prev.ID, prev.Created
	}
	w.reports[key] = r
	lim := w.limiters[spool]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(time.Minute), 1)
		w.limiters[spool] = lim
	}
	w.reportMu.Unlock()

	if exists {
		if lim.Allow() {
			w.log.Warn("watchdog warning persists", logx.String("spool", spool), logx.String("policy", r.Policy), logx.String("warning", msg))
		}
		return
	}
	lim.Allow()
	w.log.Warn("watchdog warning", logx.String("spool", spool), logx.String("policy", r.Policy), logx.String("warning", msg), logx.String("report", r.ID))
	w.emit(func(ev WatchdogEvents) { ev.OnJobWatchdogSpoolReport(r) })
}

func (w *Watchdog) release(key reportKey) {
	w.reportMu.Lock()
	r, ok := w.reports[key]
	if ok {
		delete(w.reports, key)
	}
	w.reportMu.Unlock()
	if !ok {
		return
	}
	w.log.Info("watchdog warning released", logx.String("spool", r.SpoolName), logx.String("policy", r.Policy), logx.String("report", r.ID))
	w.emit(func(ev WatchdogEvents) { ev.OnJobWatchdogSpoolReleaseReport(r) })
}

// releaseIdle releases reports of spools that no longer have an active job.
func (w *Watchdog) releaseIdle(active map[string]spoolView) {
	w.reportMu.Lock()
	var keys []reportKey
	for k := range w.reports {
		if _, ok := active[k.spool]; !ok {
			keys = append(keys, k)
		}
	}
	w.reportMu.Unlock()
	for _, k := range keys {
		w.release(k)
	}
}

func (w *Watchdog) emit(fn func(ev WatchdogEvents)) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watchdog hook panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(w.events)
}
