package jobkit

import (
	"container/heap"
	"context"
	"sort"
	"sync/atomic"
	"time"
)

// creationSeq orders submissions across the whole process.
var creationSeq atomic.Uint64

type spoolJob struct {
	task       Task
	name       string
	priority   int
	index      uint64
	created    time.Time
	started    time.Time
	callerTag  string
	onComplete func(ctx context.Context, err error)
}

func newSpoolJob(task Task, name string, priority int, onComplete func(context.Context, error), o submitOptions) *spoolJob {
	return &spoolJob{
		task:       task,
		name:       name,
		priority:   priority,
		index:      creationSeq.Add(1),
		created:    time.Now(),
		callerTag:  o.callerTag,
		onComplete: onComplete,
	}
}

// completion adapts a plain callback to the job's completion signature.
func completion(fn func(error)) func(context.Context, error) {
	if fn == nil {
		return nil
	}
	return func(_ context.Context, err error) { fn(err) }
}

func (j *spoolJob) state(spool string) WatchableSpoolJobState {
	return WatchableSpoolJobState{
		SpoolName:     spool,
		CommandName:   j.name,
		CreationIndex: j.index,
		CreatedDate:   j.created,
		StartedDate:   j.started,
		Priority:      j.priority,
		CallerTag:     j.callerTag,
	}
}

// before orders by priority descending, then creation index ascending.
func (j *spoolJob) before(o *spoolJob) bool {
	if j.priority != o.priority {
		return j.priority > o.priority
	}
	return j.index < o.index
}

// jobHeap implements heap.Interface; the root is the next job to run.
type jobHeap []*spoolJob

func (h jobHeap) Len() int           { return len(h) }
func (h jobHeap) Less(i, k int) bool { return h[i].before(h[k]) }
func (h jobHeap) Swap(i, k int)      { h[i], h[k] = h[k], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*spoolJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

func (h *jobHeap) push(j *spoolJob) { heap.Push(h, j) }

func (h *jobHeap) pop() *spoolJob {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*spoolJob)
}

// ordered returns the queued jobs in execution order without mutating the heap.
func (h jobHeap) ordered() []*spoolJob {
	out := append([]*spoolJob(nil), h...)
	sortJobs(out)
	return out
}

func sortJobs(js []*spoolJob) {
	sort.Slice(js, func(a, b int) bool { return js[a].before(js[b]) })
}
