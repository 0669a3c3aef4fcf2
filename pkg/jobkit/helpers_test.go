package jobkit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDown = errors.New("upstream down")

func noop(context.Context) error { return nil }

type execRecorder struct {
	NopExecutionEvent
	mu        sync.Mutex
	started   []string
	succeeded []string
	failed    []string
	shutdowns int
}

func (r *execRecorder) BeforeStart(j WatchableSpoolJobState) {
	r.mu.Lock()
	r.started = append(r.started, j.CommandName)
	r.mu.Unlock()
}

func (r *execRecorder) AfterRunCorrectly(j WatchableSpoolJobState, _ time.Duration) {
	r.mu.Lock()
	r.succeeded = append(r.succeeded, j.CommandName)
	r.mu.Unlock()
}

func (r *execRecorder) AfterFailedRun(j WatchableSpoolJobState, _ time.Duration, _ error) {
	r.mu.Lock()
	r.failed = append(r.failed, j.CommandName)
	r.mu.Unlock()
}

func (r *execRecorder) ShutdownSpooler() {
	r.mu.Lock()
	r.shutdowns++
	r.mu.Unlock()
}

func (r *execRecorder) counts() (started, ok, failed, shutdowns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.succeeded), len(r.failed), r.shutdowns
}

type reportRecorder struct {
	mu       sync.Mutex
	reports  []SpoolReport
	releases []SpoolReport
}

func (r *reportRecorder) OnJobWatchdogSpoolReport(rep SpoolReport) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *reportRecorder) OnJobWatchdogSpoolReleaseReport(rep SpoolReport) {
	r.mu.Lock()
	r.releases = append(r.releases, rep)
	r.mu.Unlock()
}

func (r *reportRecorder) snapshot() (reports, releases []SpoolReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SpoolReport(nil), r.reports...), append([]SpoolReport(nil), r.releases...)
}

// orderLog collects names in completion order.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (o *orderLog) add(name string) {
	o.mu.Lock()
	o.names = append(o.names, name)
	o.mu.Unlock()
}

func (o *orderLog) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}
