package jobkit

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"

	"jobkit/internal/runtime/supervisor"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

// Spooler owns the named spool executors. Executors are created on first use
// and live until the process ends.
type Spooler struct {
	log    logx.Logger
	rt     *spoolRuntime
	events ExecutionEvent

	mu        sync.Mutex
	executors map[string]*SpoolExecutor
	shutdown  bool
}

// NewSpooler builds a spooler whose executors report phases to manager.
// A nil watchdog disables watchdog bookkeeping.
func NewSpooler(log logx.Logger, manager *supervisable.Manager, events ExecutionEvent, watchdog *Watchdog) *Spooler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if manager == nil {
		manager = supervisable.NewManager(log)
	}
	if events == nil {
		events = NopExecutionEvent{}
	}
	return &Spooler{
		log:    log,
		events: events,
		rt: &spoolRuntime{
			runner:   jobRunner{log: log, manager: manager, events: events},
			sup:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
			watchdog: watchdog,
		},
		executors: map[string]*SpoolExecutor{},
	}
}

// GetExecutor returns the executor for name, creating it while the spooler
// is open. After shutdown only existing executors are returned; nil otherwise.
func (s *Spooler) GetExecutor(name string) *SpoolExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.executors[name]; ok {
		return ex
	}
	if s.shutdown {
		return nil
	}
	ex := newSpoolExecutor(name, s.log, s.rt)
	s.executors[name] = ex
	s.log.Debug("spool created", logx.String("spool", name))
	return ex
}

// Shutdown stops every executor from accepting new jobs and fires the
// ShutdownSpooler hook. It does not wait and is idempotent.
func (s *Spooler) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	exs := s.executorsLocked()
	s.mu.Unlock()

	for _, ex := range exs {
		ex.StopToAcceptNewJobs()
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("shutdown hook panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		s.events.ShutdownSpooler()
	}()
	s.log.Info("spooler shutdown", logx.Int("spools", len(exs)))
}

// WaitToClose shuts down and blocks until every spool drained or ctx ends.
func (s *Spooler) WaitToClose(ctx context.Context) error {
	s.Shutdown()
	for _, ex := range s.Executors() {
		if err := ex.Clean(ctx, false); err != nil {
			return err
		}
	}
	return s.rt.sup.Wait(ctx)
}

func (s *Spooler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Executors returns the executors sorted by name.
func (s *Spooler) Executors() []*SpoolExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executorsLocked()
}

func (s *Spooler) executorsLocked() []*SpoolExecutor {
	out := make([]*SpoolExecutor, 0, len(s.executors))
	for _, ex := range s.executors {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// RunningCount counts spools with an active job.
func (s *Spooler) RunningCount() int {
	n := 0
	for _, ex := range s.Executors() {
		if ex.IsRunning() {
			n++
		}
	}
	return n
}

// QueuesSize sums queued jobs over all spools.
func (s *Spooler) QueuesSize() int {
	n := 0
	for _, ex := range s.Executors() {
		n += ex.QueueSize()
	}
	return n
}

func (s *Spooler) Snapshot() []SpoolSnapshot {
	exs := s.Executors()
	out := make([]SpoolSnapshot, 0, len(exs))
	for _, ex := range exs {
		out = append(out, ex.Snapshot())
	}
	return out
}

// Goroutines exposes the worker supervisor's statistics.
func (s *Spooler) Goroutines() supervisor.Snapshot { return s.rt.sup.Snapshot() }
