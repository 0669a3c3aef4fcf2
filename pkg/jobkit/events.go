package jobkit

import "time"

// ExecutionEvent observes spool executions. Implementations must not block;
// BeforeStart and the after-run hooks run inside their own supervisable phase.
type ExecutionEvent interface {
	BeforeStart(job WatchableSpoolJobState)
	AfterRunCorrectly(job WatchableSpoolJobState, took time.Duration)
	AfterFailedRun(job WatchableSpoolJobState, took time.Duration, err error)
	ShutdownSpooler()
}

// BackgroundServiceEvent observes service scheduling.
type BackgroundServiceEvent interface {
	// OnSchedule fires when a timer hands a run to the service's spool.
	OnSchedule(name, spool string, priority int, interval time.Duration)
	OnRunStart(name, spool string, priority int)
	// OnPlanNextExec fires with the actual delay of every planned run.
	OnPlanNextExec(name, spool string, delay time.Duration)
	OnRunError(name, spool string, err error)
	OnChangeInterval(name, spool string, interval time.Duration)
	OnChangeEnabled(name, spool string, enabled bool)
	OnChangeRetryFactor(name, spool string, factor float64)
}

// WatchdogEvents receives policy reports. Every report is followed by
// exactly one release carrying the same ID.
type WatchdogEvents interface {
	OnJobWatchdogSpoolReport(r SpoolReport)
	OnJobWatchdogSpoolReleaseReport(r SpoolReport)
}

type NopExecutionEvent struct{}

func (NopExecutionEvent) BeforeStart(WatchableSpoolJobState)                          {}
func (NopExecutionEvent) AfterRunCorrectly(WatchableSpoolJobState, time.Duration)     {}
func (NopExecutionEvent) AfterFailedRun(WatchableSpoolJobState, time.Duration, error) {}
func (NopExecutionEvent) ShutdownSpooler()                                            {}

type NopBackgroundServiceEvent struct{}

func (NopBackgroundServiceEvent) OnSchedule(string, string, int, time.Duration)  {}
func (NopBackgroundServiceEvent) OnRunStart(string, string, int)                 {}
func (NopBackgroundServiceEvent) OnPlanNextExec(string, string, time.Duration)   {}
func (NopBackgroundServiceEvent) OnRunError(string, string, error)               {}
func (NopBackgroundServiceEvent) OnChangeInterval(string, string, time.Duration) {}
func (NopBackgroundServiceEvent) OnChangeEnabled(string, string, bool)           {}
func (NopBackgroundServiceEvent) OnChangeRetryFactor(string, string, float64)    {}

type NopWatchdogEvents struct{}

func (NopWatchdogEvents) OnJobWatchdogSpoolReport(SpoolReport)        {}
func (NopWatchdogEvents) OnJobWatchdogSpoolReleaseReport(SpoolReport) {}

// ExecutionEvents fans one ExecutionEvent out to several. Nil entries are skipped.
func ExecutionEvents(list ...ExecutionEvent) ExecutionEvent {
	out := multiExecution{}
	for _, e := range list {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiExecution []ExecutionEvent

func (m multiExecution) BeforeStart(j WatchableSpoolJobState) {
	for _, e := range m {
		e.BeforeStart(j)
	}
}

func (m multiExecution) AfterRunCorrectly(j WatchableSpoolJobState, took time.Duration) {
	for _, e := range m {
		e.AfterRunCorrectly(j, took)
	}
}

func (m multiExecution) AfterFailedRun(j WatchableSpoolJobState, took time.Duration, err error) {
	for _, e := range m {
		e.AfterFailedRun(j, took, err)
	}
}

func (m multiExecution) ShutdownSpooler() {
	for _, e := range m {
		e.ShutdownSpooler()
	}
}

// BackgroundServiceEvents fans out like ExecutionEvents.
func BackgroundServiceEvents(list ...BackgroundServiceEvent) BackgroundServiceEvent {
	out := multiService{}
	for _, e := range list {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiService []BackgroundServiceEvent

func (m multiService) OnSchedule(name, spool string, priority int, interval time.Duration) {
	for _, e := range m {
		e.OnSchedule(name, spool, priority, interval)
	}
}

func (m multiService) OnRunStart(name, spool string, priority int) {
	for _, e := range m {
		e.OnRunStart(name, spool, priority)
	}
}

func (m multiService) OnPlanNextExec(name, spool string, delay time.Duration) {
	for _, e := range m {
		e.OnPlanNextExec(name, spool, delay)
	}
}

func (m multiService) OnRunError(name, spool string, err error) {
	for _, e := range m {
		e.OnRunError(name, spool, err)
	}
}

func (m multiService) OnChangeInterval(name, spool string, interval time.Duration) {
	for _, e := range m {
		e.OnChangeInterval(name, spool, interval)
	}
}

func (m multiService) OnChangeEnabled(name, spool string, enabled bool) {
	for _, e := range m {
		e.OnChangeEnabled(name, spool, enabled)
	}
}

func (m multiService) OnChangeRetryFactor(name, spool string, factor float64) {
	for _, e := range m {
		e.OnChangeRetryFactor(name, spool, factor)
	}
}

// WatchdogEventsOf fans out like ExecutionEvents.
func WatchdogEventsOf(list ...WatchdogEvents) WatchdogEvents {
	out := multiWatchdog{}
	for _, e := range list {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiWatchdog []WatchdogEvents

func (m multiWatchdog) OnJobWatchdogSpoolReport(r SpoolReport) {
	for _, e := range m {
		e.OnJobWatchdogSpoolReport(r)
	}
}

func (m multiWatchdog) OnJobWatchdogSpoolReleaseReport(r SpoolReport) {
	for _, e := range m {
		e.OnJobWatchdogSpoolReleaseReport(r)
	}
}
