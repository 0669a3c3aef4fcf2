package jobkit

import (
	"context"
	"time"
)

// Task is a unit of work. The context carries the task's Supervisable
// (see supervisable.FromContext).
type Task func(ctx context.Context) error

// Job is a named task that can be submitted with Runner.RunJob.
type Job interface {
	Name() string
	Spool() string
	Run(ctx context.Context) error
}

// Prioritized lets a Job choose its priority; the default is 0.
type Prioritized interface {
	Priority() int
}

// StartHook is called at the beginning of the task phase.
type StartHook interface {
	OnStart(ctx context.Context)
}

// DoneHook is called after a successful run.
type DoneHook interface {
	OnDone(ctx context.Context)
}

// FailHook is called after a failed run.
type FailHook interface {
	OnFail(ctx context.Context, err error)
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	callerTag string
}

// WithCallerTag tags every phase record of the job with a caller tag.
func WithCallerTag(tag string) SubmitOption {
	return func(o *submitOptions) { o.callerTag = tag }
}

func applySubmitOptions(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// WatchableSpoolJobState is the immutable view of a queued or active job.
// StartedDate is zero until the job becomes active.
type WatchableSpoolJobState struct {
	SpoolName     string    `json:"spool"`
	CommandName   string    `json:"command"`
	CreationIndex uint64    `json:"creation_index"`
	CreatedDate   time.Time `json:"created"`
	StartedDate   time.Time `json:"started,omitempty"`
	Priority      int       `json:"priority"`
	CallerTag     string    `json:"caller_tag,omitempty"`
}

// Started reports whether the job is the active one of its spool.
func (s WatchableSpoolJobState) Started() bool { return !s.StartedDate.IsZero() }

// RunningFor is the time since start, or 0 for a queued job.
func (s WatchableSpoolJobState) RunningFor(now time.Time) time.Duration {
	if !s.Started() {
		return 0
	}
	return now.Sub(s.StartedDate)
}

// WatchableBackgroundService describes an enabled service to the watchdog.
type WatchableBackgroundService struct {
	Name      string        `json:"name"`
	SpoolName string        `json:"spool"`
	Interval  time.Duration `json:"interval"`
}
