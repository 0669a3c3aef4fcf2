package eventbus

import (
	"time"

	"jobkit/pkg/jobkit"
	"jobkit/pkg/supervisable"
)

// ServiceChange is the payload of TopicServiceChange.
type ServiceChange struct {
	Service  string        `json:"service"`
	Spool    string        `json:"spool"`
	Change   string        `json:"change"`
	Enabled  *bool         `json:"enabled,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Factor   float64       `json:"factor,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Bridge republishes engine hooks and supervisable end-events on a bus.
// It implements supervisable.Consumer, jobkit.WatchdogEvents,
// jobkit.ExecutionEvent (shutdown only) and jobkit.BackgroundServiceEvent
// (state changes and failures only).
type Bridge struct {
	jobkit.NopExecutionEvent
	jobkit.NopBackgroundServiceEvent
	bus Bus
}

func NewBridge(bus Bus) *Bridge { return &Bridge{bus: bus} }

func (b *Bridge) Consume(ev supervisable.EndEvent) {
	b.bus.Publish(Event{Type: TopicSupervisableEnd, Time: ev.EndDate, Data: ev})
}

func (b *Bridge) OnJobWatchdogSpoolReport(r jobkit.SpoolReport) {
	b.bus.Publish(Event{Type: TopicWatchdogReport, Data: r})
}

func (b *Bridge) OnJobWatchdogSpoolReleaseReport(r jobkit.SpoolReport) {
	b.bus.Publish(Event{Type: TopicWatchdogRelease, Data: r})
}

func (b *Bridge) ShutdownSpooler() {
	b.bus.Publish(Event{Type: TopicSpoolerShutdown})
}

func (b *Bridge) OnRunError(name, spool string, err error) {
	b.service(ServiceChange{Service: name, Spool: spool, Change: "run_error", Error: err.Error()})
}

func (b *Bridge) OnChangeInterval(name, spool string, interval time.Duration) {
	b.service(ServiceChange{Service: name, Spool: spool, Change: "interval", Interval: interval})
}

func (b *Bridge) OnChangeEnabled(name, spool string, enabled bool) {
	b.service(ServiceChange{Service: name, Spool: spool, Change: "enabled", Enabled: &enabled})
}

func (b *Bridge) OnChangeRetryFactor(name, spool string, factor float64) {
	b.service(ServiceChange{Service: name, Spool: spool, Change: "retry_factor", Factor: factor})
}

func (b *Bridge) service(c ServiceChange) {
	b.bus.Publish(Event{Type: TopicServiceChange, Data: c})
}

var (
	_ supervisable.Consumer         = (*Bridge)(nil)
	_ jobkit.WatchdogEvents         = (*Bridge)(nil)
	_ jobkit.ExecutionEvent         = (*Bridge)(nil)
	_ jobkit.BackgroundServiceEvent = (*Bridge)(nil)
)
