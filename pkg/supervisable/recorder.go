package supervisable

import "sync"

// Recorder is a synchronous Consumer that keeps every end-event in memory.
// It backs the flat engine and tests.
type Recorder struct {
	mu     sync.Mutex
	events []EndEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Consume(ev EndEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in delivery order.
func (r *Recorder) Events() []EndEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndEvent(nil), r.events...)
}

// ByJob returns the recorded events for one job name.
func (r *Recorder) ByJob(job string) []EndEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EndEvent
	for _, ev := range r.events {
		if ev.JobName == job {
			out = append(out, ev)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
