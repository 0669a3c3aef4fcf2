package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"jobkit/pkg/jobkit"
)

var (
	spoolQueuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "spool", "queued_jobs"),
		"Jobs waiting in the spool queue.", []string{"spool"}, nil)
	spoolRunningDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "spool", "running"),
		"1 while the spool executes a job.", []string{"spool"}, nil)
	spoolAcceptingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "spool", "accepting"),
		"1 while the spool accepts new jobs.", []string{"spool"}, nil)
	spoolActiveAgeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "spool", "active_job_seconds"),
		"How long the active job has been running.", []string{"spool"}, nil)
)

// spoolCollector reads spool snapshots at scrape time.
type spoolCollector struct {
	source func() []jobkit.SpoolSnapshot
}

func (c *spoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- spoolQueuedDesc
	ch <- spoolRunningDesc
	ch <- spoolAcceptingDesc
	ch <- spoolActiveAgeDesc
}

func (c *spoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(spoolQueuedDesc, prometheus.GaugeValue, float64(len(s.Queued)), s.Name)
		ch <- prometheus.MustNewConstMetric(spoolRunningDesc, prometheus.GaugeValue, boolValue(s.Running), s.Name)
		ch <- prometheus.MustNewConstMetric(spoolAcceptingDesc, prometheus.GaugeValue, boolValue(s.Accepting), s.Name)
		age := 0.0
		if s.Current != nil && s.Current.Started() {
			age = s.Current.RunningFor(time.Now()).Seconds()
		}
		ch <- prometheus.MustNewConstMetric(spoolActiveAgeDesc, prometheus.GaugeValue, age, s.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
