// Package metrics exposes engine activity as Prometheus metrics.
//
// A Collector is wired into the engine as its ExecutionEvent,
// BackgroundServiceEvent and WatchdogEvents hooks and as a supervisable
// consumer. Spool backlog gauges are read from a snapshot source at scrape
// time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobkit/pkg/jobkit"
	"jobkit/pkg/supervisable"
)

const namespace = "jobkit"

// Collector owns its registry so several engines can live in one process.
type Collector struct {
	reg *prometheus.Registry

	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	serviceRuns      *prometheus.CounterVec
	serviceErrors    *prometheus.CounterVec
	serviceNextDelay *prometheus.GaugeVec
	serviceInterval  *prometheus.GaugeVec
	serviceEnabled   *prometheus.GaugeVec
	serviceFactor    *prometheus.GaugeVec

	watchdogReports *prometheus.CounterVec
	watchdogActive  *prometheus.GaugeVec

	endEvents       *prometheus.CounterVec
	spoolerShutdown prometheus.Gauge
}

type Option func(*Collector)

// WithSpoolSource exports per-spool backlog gauges read from fn at scrape time.
func WithSpoolSource(fn func() []jobkit.SpoolSnapshot) Option {
	return func(c *Collector) {
		if fn != nil {
			c.reg.MustRegister(&spoolCollector{source: fn})
		}
	}
}

// WithRuntimeMetrics adds the Go runtime and process collectors.
func WithRuntimeMetrics() Option {
	return func(c *Collector) {
		c.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_started_total",
			Help: "Jobs taken from a spool queue.",
		}, []string{"spool"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_completed_total",
			Help: "Jobs whose task returned without error.",
		}, []string{"spool"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_failed_total",
			Help: "Jobs whose task failed or panicked.",
		}, []string{"spool"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Task execution time.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"spool"}),
		serviceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_runs_total",
			Help: "Background service runs started.",
		}, []string{"service"}),
		serviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_errors_total",
			Help: "Background service runs that failed.",
		}, []string{"service"}),
		serviceNextDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_next_delay_seconds",
			Help: "Delay of the most recently planned run.",
		}, []string{"service"}),
		serviceInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_interval_seconds",
			Help: "Configured service interval.",
		}, []string{"service"}),
		serviceEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_enabled",
			Help: "1 while the service is enabled.",
		}, []string{"service"}),
		serviceFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "service_retry_factor",
			Help: "Backoff multiplier applied per sequential failure.",
		}, []string{"service"}),
		watchdogReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "watchdog_reports_total",
			Help: "Watchdog reports raised.",
		}, []string{"spool"}),
		watchdogActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watchdog_active_reports",
			Help: "Watchdog reports not yet released.",
		}, []string{"spool"}),
		endEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "supervisable_end_total",
			Help: "Supervisable end-events by state.",
		}, []string{"state"}),
		spoolerShutdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "spooler_shutdown",
			Help: "1 once the spooler has shut down.",
		}),
	}
	c.reg.MustRegister(
		c.jobsStarted, c.jobsCompleted, c.jobsFailed, c.jobDuration,
		c.serviceRuns, c.serviceErrors, c.serviceNextDelay, c.serviceInterval, c.serviceEnabled, c.serviceFactor,
		c.watchdogReports, c.watchdogActive,
		c.endEvents, c.spoolerShutdown,
	)
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

func (c *Collector) BeforeStart(job jobkit.WatchableSpoolJobState) {
	c.jobsStarted.WithLabelValues(job.SpoolName).Inc()
}

func (c *Collector) AfterRunCorrectly(job jobkit.WatchableSpoolJobState, took time.Duration) {
	c.jobsCompleted.WithLabelValues(job.SpoolName).Inc()
	c.jobDuration.WithLabelValues(job.SpoolName).Observe(took.Seconds())
}

func (c *Collector) AfterFailedRun(job jobkit.WatchableSpoolJobState, took time.Duration, _ error) {
	c.jobsFailed.WithLabelValues(job.SpoolName).Inc()
	c.jobDuration.WithLabelValues(job.SpoolName).Observe(took.Seconds())
}

func (c *Collector) ShutdownSpooler() { c.spoolerShutdown.Set(1) }

func (c *Collector) OnSchedule(string, string, int, time.Duration) {}

func (c *Collector) OnRunStart(name, _ string, _ int) {
	c.serviceRuns.WithLabelValues(name).Inc()
}

func (c *Collector) OnPlanNextExec(name, _ string, delay time.Duration) {
	c.serviceNextDelay.WithLabelValues(name).Set(delay.Seconds())
}

func (c *Collector) OnRunError(name, _ string, _ error) {
	c.serviceErrors.WithLabelValues(name).Inc()
}

func (c *Collector) OnChangeInterval(name, _ string, interval time.Duration) {
	c.serviceInterval.WithLabelValues(name).Set(interval.Seconds())
}

func (c *Collector) OnChangeEnabled(name, _ string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	c.serviceEnabled.WithLabelValues(name).Set(v)
}

func (c *Collector) OnChangeRetryFactor(name, _ string, factor float64) {
	c.serviceFactor.WithLabelValues(name).Set(factor)
}

func (c *Collector) OnJobWatchdogSpoolReport(r jobkit.SpoolReport) {
	c.watchdogReports.WithLabelValues(r.SpoolName).Inc()
	c.watchdogActive.WithLabelValues(r.SpoolName).Inc()
}

func (c *Collector) OnJobWatchdogSpoolReleaseReport(r jobkit.SpoolReport) {
	c.watchdogActive.WithLabelValues(r.SpoolName).Dec()
}

func (c *Collector) Consume(ev supervisable.EndEvent) {
	c.endEvents.WithLabelValues(string(ev.State)).Inc()
}

var (
	_ jobkit.ExecutionEvent         = (*Collector)(nil)
	_ jobkit.BackgroundServiceEvent = (*Collector)(nil)
	_ jobkit.WatchdogEvents         = (*Collector)(nil)
	_ supervisable.Consumer         = (*Collector)(nil)
)
