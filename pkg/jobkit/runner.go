package jobkit

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// Phase name suffixes. The task phase uses the bare job name.
const (
	PhaseBeforeStart = "/beforeStart"
	PhaseAfterRun    = "/afterRun"
	PhaseOnComplete  = "/onComplete"
)

// jobRunner executes one spool job as four supervised phases.
type jobRunner struct {
	log     logx.Logger
	manager *supervisable.Manager
	events  ExecutionEvent
}

// execute runs every phase in order and returns the task's error.
// Panics in any phase are recovered and recorded on that phase.
func (r jobRunner) execute(ctx context.Context, spool string, j *spoolJob) error {
	st := j.state(spool)
	queueDelay := j.started.Sub(j.created)

	_ = r.phase(ctx, spool, j, j.name+PhaseBeforeStart, func(context.Context) error {
		r.events.BeforeStart(st)
		return nil
	})

	r.log.Debug("job.started", logx.String("spool", spool), logx.String("job", j.name), logx.Uint64("index", j.index), logx.Duration("queue_delay", queueDelay))
	begin := time.Now()
	err := r.phase(ctx, spool, j, j.name, j.task)
	took := time.Since(begin)

	if err != nil {
		r.log.Warn("job.failed", logx.String("spool", spool), logx.String("job", j.name), logx.Duration("dur", took), logx.Err(err))
		_ = r.phase(ctx, spool, j, j.name+PhaseAfterRun, func(context.Context) error {
			r.events.AfterFailedRun(st, took, err)
			return nil
		})
	} else {
		if took >= 750*time.Millisecond {
			r.log.Info("job.completed", logx.String("spool", spool), logx.String("job", j.name), logx.Duration("dur", took))
		} else {
			r.log.Debug("job.completed", logx.String("spool", spool), logx.String("job", j.name), logx.Duration("dur", took))
		}
		_ = r.phase(ctx, spool, j, j.name+PhaseAfterRun, func(context.Context) error {
			r.events.AfterRunCorrectly(st, took)
			return nil
		})
	}

	if j.onComplete != nil {
		_ = r.phase(ctx, spool, j, j.name+PhaseOnComplete, func(ctx context.Context) error {
			j.onComplete(ctx, err)
			return nil
		})
	}
	return err
}

func (r jobRunner) phase(ctx context.Context, spool string, j *spoolJob, name string, fn Task) (err error) {
	sv := r.manager.New(spool, name).WithCallerTag(j.callerTag)
	_ = sv.Start()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", name, rec)
			r.log.Error("job.panic", logx.String("spool", spool), logx.String("phase", name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
		if err != nil {
			_ = sv.EndWithError(err)
			return
		}
		_ = sv.End()
	}()
	if fn == nil {
		return nil
	}
	return fn(supervisable.NewContext(ctx, sv))
}
