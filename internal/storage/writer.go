package storage

import (
	"context"
	"sync/atomic"
	"time"

	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

const (
	defaultWriterBuffer = 256
	writeTimeout        = 5 * time.Second
)

// Writer feeds a Store from engine hooks. Records are queued and written by
// Run; a full queue drops the record instead of blocking the caller.
type Writer struct {
	store Store
	log   logx.Logger
	queue chan record

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type record struct {
	event  *supervisable.EndEvent
	report *ReportEntry
}

// WriterStats are best-effort counters.
type WriterStats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

func NewWriter(store Store, buffer int, log logx.Logger) *Writer {
	if buffer <= 0 {
		buffer = defaultWriterBuffer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Writer{store: store, log: log, queue: make(chan record, buffer)}
}

func (w *Writer) Consume(ev supervisable.EndEvent) {
	w.enqueue(record{event: &ev})
}

func (w *Writer) OnJobWatchdogSpoolReport(r jobkit.SpoolReport) {
	w.enqueue(record{report: &ReportEntry{At: time.Now(), Kind: KindReport, Report: r}})
}

func (w *Writer) OnJobWatchdogSpoolReleaseReport(r jobkit.SpoolReport) {
	w.enqueue(record{report: &ReportEntry{At: time.Now(), Kind: KindRelease, Report: r}})
}

func (w *Writer) enqueue(r record) {
	select {
	case w.queue <- r:
	default:
		if w.dropped.Add(1)%100 == 1 {
			w.log.Warn("storage queue full; dropping records", logx.Uint64("dropped", w.dropped.Load()))
		}
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case r := <-w.queue:
			w.write(context.Background(), r)
		}
	}
}

func (w *Writer) flush() {
	deadline := time.Now().Add(writeTimeout)
	for time.Now().Before(deadline) {
		select {
		case r := <-w.queue:
			w.write(context.Background(), r)
		default:
			return
		}
	}
}

func (w *Writer) write(parent context.Context, r record) {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()
	var err error
	switch {
	case r.event != nil:
		err = w.store.AppendEvent(ctx, *r.event)
	case r.report != nil:
		err = w.store.AppendReport(ctx, *r.report)
	}
	if err != nil {
		w.failed.Add(1)
		w.log.Warn("storage write failed", logx.Err(err))
		return
	}
	w.written.Add(1)
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Queued:  len(w.queue),
	}
}

var (
	_ supervisable.Consumer = (*Writer)(nil)
	_ jobkit.WatchdogEvents = (*Writer)(nil)
)
