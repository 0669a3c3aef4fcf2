package jobkit

import (
	"fmt"
	"time"
)

// Policy checks one spool that has an active job. It returns the delay after
// which it wants to be evaluated again (<= 0 for no timed re-check), or a
// *PolicyWarning when the spool is in a state worth reporting.
type Policy interface {
	Description() string
	IsStatusOk(spool string, active WatchableSpoolJobState, queued []WatchableSpoolJobState) (time.Duration, error)
}

// ServicePolicy is implemented by policies that judge spools hosting
// enabled background services differently. On such spools a policy without
// it is still evaluated through IsStatusOk, with the returned delay ignored.
type ServicePolicy interface {
	Policy
	IsStatusOkWithServices(spool string, active WatchableSpoolJobState, queued []WatchableSpoolJobState, services []WatchableBackgroundService) error
}

// PolicyWarning is the error a policy returns to raise a report.
type PolicyWarning struct {
	Message string
}

func (w *PolicyWarning) Error() string { return w.Message }

// Warnf builds a PolicyWarning.
func Warnf(format string, args ...any) *PolicyWarning {
	return &PolicyWarning{Message: fmt.Sprintf(format, args...)}
}

func appliesTo(spools []string, spool string) bool {
	if len(spools) == 0 {
		return true
	}
	for _, s := range spools {
		if s == spool {
			return true
		}
	}
	return false
}

// LimitedExecTimePolicy warns when the active job runs longer than MaxExecTime.
// An empty Spools list applies to every spool.
type LimitedExecTimePolicy struct {
	MaxExecTime time.Duration
	Spools      []string
}

func (p LimitedExecTimePolicy) Description() string {
	return fmt.Sprintf("job execution time limited to %s", p.MaxExecTime)
}

func (p LimitedExecTimePolicy) IsStatusOk(spool string, active WatchableSpoolJobState, _ []WatchableSpoolJobState) (time.Duration, error) {
	if p.MaxExecTime <= 0 || !appliesTo(p.Spools, spool) {
		return 0, nil
	}
	running := active.RunningFor(time.Now())
	if running > p.MaxExecTime {
		return 0, Warnf("job %q on spool %q runs for %s (limit %s)", active.CommandName, spool, running.Round(time.Millisecond), p.MaxExecTime)
	}
	return clampDelay(p.MaxExecTime - running + time.Millisecond), nil
}

// MaxSpoolQueueSizePolicy warns when more than MaxSize jobs wait behind the active one.
type MaxSpoolQueueSizePolicy struct {
	MaxSize int
	Spools  []string
}

func (p MaxSpoolQueueSizePolicy) Description() string {
	return fmt.Sprintf("spool queue size limited to %d", p.MaxSize)
}

func (p MaxSpoolQueueSizePolicy) IsStatusOk(spool string, _ WatchableSpoolJobState, queued []WatchableSpoolJobState) (time.Duration, error) {
	if !appliesTo(p.Spools, spool) {
		return 0, nil
	}
	if len(queued) > p.MaxSize {
		return 0, Warnf("spool %q has %d queued jobs (limit %d)", spool, len(queued), p.MaxSize)
	}
	return 0, nil
}

// LimitedServiceExecTimePolicy bounds a job on a service spool to
// WaitFactor times the shortest interval of the spool's services.
type LimitedServiceExecTimePolicy struct {
	WaitFactor float64
}

func (p LimitedServiceExecTimePolicy) Description() string {
	return fmt.Sprintf("service job execution time limited to %gx the service interval", p.waitFactor())
}

func (p LimitedServiceExecTimePolicy) waitFactor() float64 {
	if p.WaitFactor <= 0 {
		return 1
	}
	return p.WaitFactor
}

// IsStatusOk never applies: this policy only judges service spools.
func (p LimitedServiceExecTimePolicy) IsStatusOk(string, WatchableSpoolJobState, []WatchableSpoolJobState) (time.Duration, error) {
	return 0, nil
}

func (p LimitedServiceExecTimePolicy) IsStatusOkWithServices(spool string, active WatchableSpoolJobState, _ []WatchableSpoolJobState, services []WatchableBackgroundService) error {
	var shortest time.Duration
	for _, s := range services {
		if s.Interval > 0 && (shortest == 0 || s.Interval < shortest) {
			shortest = s.Interval
		}
	}
	if shortest == 0 {
		return nil
	}
	limit := time.Duration(float64(shortest) * p.waitFactor())
	running := active.RunningFor(time.Now())
	if running > limit {
		return Warnf("job %q on service spool %q runs for %s (limit %s)", active.CommandName, spool, running.Round(time.Millisecond), limit)
	}
	return nil
}
