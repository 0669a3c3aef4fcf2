package supervisable

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supervisable is the observability record of one execution attempt.
//
// State goes NEW -> PROCESS -> DONE|ERROR. Marks start as {TRIVIAL}; any step
// message, context or explicit result removes TRIVIAL. All methods are safe on
// a nil receiver (they do nothing), so task code can call
// FromContext(ctx).OnMessage(...) without checking.
type Supervisable struct {
	mu sync.Mutex

	id        string
	spoolName string
	jobName   string
	callerTag string
	events    Events

	created time.Time
	started time.Time
	ended   time.Time
	state   State

	steps       []Step
	contextType string
	context     json.RawMessage
	result      *Result
	err         error
	marks       map[Mark]struct{}
}

// New creates a Supervisable reporting to events. A nil events uses DefaultEvents.
func New(spoolName, jobName string, events Events) *Supervisable {
	if events == nil {
		events = DefaultEvents{}
	}
	return &Supervisable{
		id:        uuid.NewString(),
		spoolName: spoolName,
		jobName:   jobName,
		events:    events,
		created:   time.Now(),
		state:     StateNew,
		marks:     map[Mark]struct{}{MarkTrivial: {}},
	}
}

// WithCallerTag attaches an opt-in caller tag, copied onto every step.
func (s *Supervisable) WithCallerTag(tag string) *Supervisable {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.callerTag = tag
	s.mu.Unlock()
	return s
}

func (s *Supervisable) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Supervisable) SpoolName() string {
	if s == nil {
		return ""
	}
	return s.spoolName
}

func (s *Supervisable) JobName() string {
	if s == nil {
		return ""
	}
	return s.jobName
}

func (s *Supervisable) State() State {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Marks returns the current marks, sorted.
func (s *Supervisable) Marks() []Mark {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMarks(s.marks)
}

func (s *Supervisable) HasMark(m Mark) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marks[m]
	return ok
}

func (s *Supervisable) Start() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNew {
		return ErrAlreadyStarted
	}
	s.state = StateProcess
	s.started = time.Now()
	return nil
}

// OnMessage appends a step to the log.
func (s *Supervisable) OnMessage(code, text string, vars ...any) error {
	if s == nil {
		return nil
	}
	msg, err := NewMessage(code, text, vars...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isEndedLocked() {
		return ErrEnded
	}
	s.steps = append(s.steps, Step{At: time.Now(), Message: msg, CallerTag: s.callerTag})
	s.nonTrivialLocked()
	return nil
}

// SetContext serializes v through the Events hook and stores it with a type tag.
func (s *Supervisable) SetContext(typeName string, v any) error {
	if s == nil {
		return nil
	}
	raw, err := s.events.ExtractContext(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isEndedLocked() {
		return ErrEnded
	}
	s.contextType = typeName
	s.context = raw
	s.nonTrivialLocked()
	return nil
}

func (s *Supervisable) ResultDone(code, text string, vars ...any) error {
	return s.setResult(WorksDone, code, text, vars)
}

func (s *Supervisable) ResultCanceled(code, text string, vars ...any) error {
	return s.setResult(WorksCanceled, code, text, vars)
}

func (s *Supervisable) ResultNothingToDo(code, text string, vars ...any) error {
	return s.setResult(NothingToDo, code, text, vars)
}

func (s *Supervisable) setResult(state ResultState, code, text string, vars []any) error {
	if s == nil {
		return nil
	}
	r := &Result{State: state}
	if code != "" || text != "" {
		msg, err := NewMessage(code, text, vars...)
		if err != nil {
			return err
		}
		r.Message = &msg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isEndedLocked() {
		return ErrEnded
	}
	s.result = r
	s.nonTrivialLocked()
	return nil
}

// ResultError records err; a later End() then routes to the ERROR state.
func (s *Supervisable) ResultError(err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isEndedLocked() {
		return
	}
	s.err = err
	s.nonTrivialLocked()
}

// Mark adds m. Explicit marks are independent of TRIVIAL removal.
func (s *Supervisable) Mark(m Mark) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.marks[m] = struct{}{}
	s.mu.Unlock()
}

// End terminates the execution and hands the end-event to the Events hook.
func (s *Supervisable) End() error {
	return s.end(nil)
}

// EndWithError terminates the execution in the ERROR state.
func (s *Supervisable) EndWithError(err error) error {
	return s.end(err)
}

func (s *Supervisable) end(err error) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	switch s.state {
	case StateNew:
		s.mu.Unlock()
		return ErrNotStarted
	case StateDone, StateError:
		s.mu.Unlock()
		return ErrEnded
	}
	if err != nil {
		s.err = err
		s.nonTrivialLocked()
	}
	s.ended = time.Now()
	if s.err != nil {
		s.state = StateError
	} else {
		s.state = StateDone
	}
	finalErr := s.err
	events := s.events
	s.mu.Unlock()

	events.OnEnd(s, finalErr)
	return nil
}

// EndEvent converts the current record into an immutable end-event.
func (s *Supervisable) EndEvent() EndEvent {
	if s == nil {
		return EndEvent{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := EndEvent{
		ID:           s.id,
		SpoolName:    s.spoolName,
		JobName:      s.jobName,
		CreationDate: s.created,
		StartDate:    s.started,
		EndDate:      s.ended,
		State:        s.state,
		Steps:        append([]Step(nil), s.steps...),
		ContextType:  s.contextType,
		Marks:        sortedMarks(s.marks),
		CallerTag:    s.callerTag,
	}
	if len(s.context) > 0 {
		ev.Context = append(json.RawMessage(nil), s.context...)
	}
	if s.result != nil {
		r := *s.result
		ev.Result = &r
	}
	if s.err != nil {
		ev.Error = s.err.Error()
	}
	return ev
}

func (s *Supervisable) isEndedLocked() bool {
	return s.state == StateDone || s.state == StateError
}

func (s *Supervisable) nonTrivialLocked() {
	delete(s.marks, MarkTrivial)
}
